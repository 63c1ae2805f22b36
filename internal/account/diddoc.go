package account

import (
	"fmt"

	"github.com/northfork-dev/atproto-pds/internal/signing"
)

// DIDDocument is the subset of a DID document an AT Protocol client
// needs to find this repo's signing key and PDS endpoint.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// BuildDIDDocument assembles a DID document for the configured
// account's signing key and service endpoint (§4.6).
func BuildDIDDocument(did, handle string, pub *signing.PublicKey, serviceEndpoint string) (*DIDDocument, error) {
	pubMultibase, err := pub.Multibase()
	if err != nil {
		return nil, fmt.Errorf("diddoc: derive public key multibase: %w", err)
	}

	return &DIDDocument{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		ID:          did,
		AlsoKnownAs: []string{"at://" + handle},
		VerificationMethod: []VerificationMethod{
			{
				ID:                 did + "#atproto",
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: pubMultibase,
			},
		},
		Service: []Service{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: serviceEndpoint,
			},
		},
	}, nil
}
