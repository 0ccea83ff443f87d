package types

import "fmt"

// VerificationRelationship enumerates the five DID document relationship
// lists. The numeric values are the stable tags used in on-chain entry
// function arguments and must never be reordered.
type VerificationRelationship uint8

const (
	RelationshipAuthentication       VerificationRelationship = 0
	RelationshipAssertionMethod      VerificationRelationship = 1
	RelationshipCapabilityInvocation VerificationRelationship = 2
	RelationshipCapabilityDelegation VerificationRelationship = 3
	RelationshipKeyAgreement         VerificationRelationship = 4
)

// AllRelationships lists every relationship in tag order.
func AllRelationships() []VerificationRelationship {
	return []VerificationRelationship{
		RelationshipAuthentication,
		RelationshipAssertionMethod,
		RelationshipCapabilityInvocation,
		RelationshipCapabilityDelegation,
		RelationshipKeyAgreement,
	}
}

func (r VerificationRelationship) String() string {
	switch r {
	case RelationshipAuthentication:
		return "authentication"
	case RelationshipAssertionMethod:
		return "assertionMethod"
	case RelationshipCapabilityInvocation:
		return "capabilityInvocation"
	case RelationshipCapabilityDelegation:
		return "capabilityDelegation"
	case RelationshipKeyAgreement:
		return "keyAgreement"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// ParseRelationship maps a relationship name back to its enum value.
func ParseRelationship(name string) (VerificationRelationship, error) {
	for _, r := range AllRelationships() {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown verification relationship: %s", name)
}
