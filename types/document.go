package types

import (
	"fmt"
	"strings"
)

// VerificationMethod is one key entry of a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"` // "<document id>#<fragment>"
	Type               string `json:"type"`
	Controller         DID    `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Fragment returns the part of the method id after '#'.
func (vm VerificationMethod) Fragment() string {
	_, frag := SplitFragment(vm.ID)
	return frag
}

// ServiceEndpoint is one service entry of a DID document.
type ServiceEndpoint struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	ServiceEndpoint string            `json:"serviceEndpoint"`
	Properties      map[string]string `json:"properties,omitempty"`
}

// DIDDocument is the document model shared by every VDR driver. Relationship
// lists hold verification method ids ("<document id>#<fragment>").
type DIDDocument struct {
	ID                   DID                  `json:"id"`
	Controller           []DID                `json:"controller"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod"`
	Authentication       []string             `json:"authentication,omitempty"`
	AssertionMethod      []string             `json:"assertionMethod,omitempty"`
	CapabilityInvocation []string             `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string             `json:"capabilityDelegation,omitempty"`
	KeyAgreement         []string             `json:"keyAgreement,omitempty"`
	Service              []ServiceEndpoint    `json:"service,omitempty"`
}

// Relationship returns the named relationship list. The returned slice is the
// live backing array; use SetRelationship to replace it.
func (d *DIDDocument) Relationship(rel VerificationRelationship) []string {
	switch rel {
	case RelationshipAuthentication:
		return d.Authentication
	case RelationshipAssertionMethod:
		return d.AssertionMethod
	case RelationshipCapabilityInvocation:
		return d.CapabilityInvocation
	case RelationshipCapabilityDelegation:
		return d.CapabilityDelegation
	case RelationshipKeyAgreement:
		return d.KeyAgreement
	}
	return nil
}

// SetRelationship replaces the named relationship list.
func (d *DIDDocument) SetRelationship(rel VerificationRelationship, ids []string) {
	switch rel {
	case RelationshipAuthentication:
		d.Authentication = ids
	case RelationshipAssertionMethod:
		d.AssertionMethod = ids
	case RelationshipCapabilityInvocation:
		d.CapabilityInvocation = ids
	case RelationshipCapabilityDelegation:
		d.CapabilityDelegation = ids
	case RelationshipKeyAgreement:
		d.KeyAgreement = ids
	}
}

// FindVerificationMethod looks up a verification method by full id or by bare
// fragment.
func (d *DIDDocument) FindVerificationMethod(idOrFragment string) *VerificationMethod {
	full := idOrFragment
	if !strings.Contains(idOrFragment, "#") {
		full = d.ID.Fragment(idOrFragment)
	}
	for i := range d.VerificationMethod {
		if d.VerificationMethod[i].ID == full {
			return &d.VerificationMethod[i]
		}
	}
	return nil
}

// FindService looks up a service by full id or bare fragment.
func (d *DIDDocument) FindService(idOrFragment string) *ServiceEndpoint {
	full := idOrFragment
	if !strings.Contains(idOrFragment, "#") {
		full = d.ID.Fragment(idOrFragment)
	}
	for i := range d.Service {
		if d.Service[i].ID == full {
			return &d.Service[i]
		}
	}
	return nil
}

// FindServiceByType returns the first service of the given type.
func (d *DIDDocument) FindServiceByType(serviceType string) *ServiceEndpoint {
	for i := range d.Service {
		if d.Service[i].Type == serviceType {
			return &d.Service[i]
		}
	}
	return nil
}

// HasRelationship reports whether the verification method identified by
// idOrFragment appears in the named relationship list.
func (d *DIDDocument) HasRelationship(idOrFragment string, rel VerificationRelationship) bool {
	full := idOrFragment
	if !strings.Contains(idOrFragment, "#") {
		full = d.ID.Fragment(idOrFragment)
	}
	for _, id := range d.Relationship(rel) {
		if id == full {
			return true
		}
	}
	return false
}

// HasController reports whether the DID appears in the controller list.
func (d *DIDDocument) HasController(did DID) bool {
	for _, c := range d.Controller {
		if c == did {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the document.
func (d *DIDDocument) Clone() *DIDDocument {
	out := &DIDDocument{
		ID:                 d.ID,
		Controller:         append([]DID(nil), d.Controller...),
		VerificationMethod: append([]VerificationMethod(nil), d.VerificationMethod...),
	}
	for _, rel := range AllRelationships() {
		out.SetRelationship(rel, append([]string(nil), d.Relationship(rel)...))
	}
	for _, svc := range d.Service {
		cp := svc
		if svc.Properties != nil {
			cp.Properties = make(map[string]string, len(svc.Properties))
			for k, v := range svc.Properties {
				cp.Properties[k] = v
			}
		}
		out.Service = append(out.Service, cp)
	}
	return out
}

// Validate enforces the structural invariants of the document: relationship
// entries reference existing verification methods, method ids carry the
// document id prefix, and fragments / service ids are unique.
func (d *DIDDocument) Validate() error {
	if _, _, err := d.ID.Parse(); err != nil {
		return err
	}
	fragments := make(map[string]struct{}, len(d.VerificationMethod))
	for _, vm := range d.VerificationMethod {
		did, frag := SplitFragment(vm.ID)
		if did != d.ID || frag == "" {
			return fmt.Errorf("verification method id %q does not belong to document %s", vm.ID, d.ID)
		}
		if _, dup := fragments[frag]; dup {
			return fmt.Errorf("duplicate verification method fragment %q", frag)
		}
		fragments[frag] = struct{}{}
	}
	for _, rel := range AllRelationships() {
		for _, id := range d.Relationship(rel) {
			if d.FindVerificationMethod(id) == nil {
				return fmt.Errorf("%s references unknown verification method %q", rel, id)
			}
		}
	}
	serviceIDs := make(map[string]struct{}, len(d.Service))
	for _, svc := range d.Service {
		if _, dup := serviceIDs[svc.ID]; dup {
			return fmt.Errorf("duplicate service id %q", svc.ID)
		}
		serviceIDs[svc.ID] = struct{}{}
	}
	return nil
}
