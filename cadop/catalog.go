// Package cadop implements Custodian-Assisted DID Onboarding: a coordinator
// that creates DIDs on behalf of users through a custodian signer, constrained
// by a closed catalog of typed service endpoints.
package cadop

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

// The closed service catalog. Services of any other type are rejected.
const (
	ServiceTypeCustodian = "CadopCustodianService"
	ServiceTypeIdP       = "CadopIdPService"
	ServiceTypeWeb2Proof = "CadopWeb2ProofService"
)

// Property keys used by the catalog.
const (
	PropCustodianPublicKey = "custodianPublicKey"
	PropCustodianVMType    = "custodianServiceVMType"
	PropSupportedCreds     = "supportedCredentials"
	PropSupportedPlatforms = "supportedPlatforms"
	PropDescription        = "description"
)

type propertyValidator func(value string) error

type serviceSchema struct {
	required map[string]propertyValidator
	optional map[string]propertyValidator
}

var catalog = map[string]serviceSchema{
	ServiceTypeCustodian: {
		required: map[string]propertyValidator{
			PropCustodianPublicKey: validateMultibaseKey,
			PropCustodianVMType:    validateVMType,
		},
		optional: map[string]propertyValidator{
			PropDescription: validateNonEmpty,
		},
	},
	ServiceTypeIdP: {
		required: map[string]propertyValidator{
			PropSupportedCreds: validateSequence,
		},
		optional: map[string]propertyValidator{
			PropDescription: validateNonEmpty,
		},
	},
	ServiceTypeWeb2Proof: {
		required: map[string]propertyValidator{
			PropSupportedPlatforms: validateSequence,
		},
		optional: map[string]propertyValidator{
			PropDescription: validateNonEmpty,
		},
	},
}

// ServiceTypes lists the catalog types in stable order.
func ServiceTypes() []string {
	out := make([]string, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateService checks a service definition against the catalog: known
// type, valid endpoint URL, all required properties present and valid, no
// unknown properties.
func ValidateService(svc vdr.ServiceInput) error {
	schema, ok := catalog[svc.Type]
	if !ok {
		return fmt.Errorf("service type %q is not in the CADOP catalog", svc.Type)
	}
	if svc.Fragment == "" {
		return fmt.Errorf("service fragment must not be empty")
	}
	u, err := url.Parse(svc.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service endpoint %q is not an absolute URL", svc.Endpoint)
	}
	for key, validate := range schema.required {
		value, ok := svc.Properties[key]
		if !ok {
			return fmt.Errorf("%s requires property %q", svc.Type, key)
		}
		if err := validate(value); err != nil {
			return fmt.Errorf("property %q: %w", key, err)
		}
	}
	for key, value := range svc.Properties {
		if _, ok := schema.required[key]; ok {
			continue
		}
		validate, ok := schema.optional[key]
		if !ok {
			return fmt.Errorf("%s does not accept property %q", svc.Type, key)
		}
		if err := validate(value); err != nil {
			return fmt.Errorf("property %q: %w", key, err)
		}
	}
	return nil
}

func validateMultibaseKey(value string) error {
	if _, _, err := crypto.DecodePublicKeyMultibase(value); err != nil {
		return fmt.Errorf("not a multibase public key: %w", err)
	}
	return nil
}

func validateVMType(value string) error {
	switch value {
	case crypto.KeyTypeEd25519, crypto.KeyTypeSecp256k1:
		return nil
	}
	return fmt.Errorf("unsupported verification method type %q", value)
}

func validateNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

// validateSequence accepts a comma-separated, ordered, non-empty list with no
// blank entries.
func validateSequence(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("must be a non-empty sequence")
	}
	for _, entry := range strings.Split(value, ",") {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("sequence contains a blank entry")
		}
	}
	return nil
}
