package rollback

import (
	"context"
	"fmt"

	"remedyd/internal/remediation"
)

// Catalogue maps each forward action type to its compensating action. One
// inverse per type; actions without a meaningful inverse (notify,
// create-ticket, trigger-webhook) are never registered and reach here only
// by mistake.
type Catalogue struct {
	providers remediation.Providers
}

// NewCatalogue creates a catalogue over the same providers the executor
// dispatches to.
func NewCatalogue(providers remediation.Providers) *Catalogue {
	return &Catalogue{providers: providers}
}

// Reverse performs the compensating action for an entry. The returned error
// marks an external failure; validation problems (missing data, unsupported
// type) are also errors so the registry records them on the entry.
func (c *Catalogue) Reverse(ctx context.Context, entry *Entry) (*Result, error) {
	result := &Result{
		RollbackID: entry.ID,
		ActionID:   entry.ActionID,
	}

	switch entry.ActionType {
	case remediation.ActionRotateCredentials:
		// The old credential was revoked by the rotation and cannot be
		// restored. Deleting the newly issued one is all this inverse can
		// do; the partial flag tells operators manual recreation is needed.
		newCred, ok := entry.Data[remediation.RollbackKeyNewCredentialID].(string)
		if !ok || newCred == "" {
			return result, fmt.Errorf("%w: %s", ErrMissingData, remediation.RollbackKeyNewCredentialID)
		}
		if err := c.providers.Credentials.Delete(ctx, newCred); err != nil {
			return result, fmt.Errorf("delete credential %s: %w", newCred, err)
		}
		result.Success = true
		result.Partial = true
		result.Message = fmt.Sprintf("deleted newly issued credential %s; original credential cannot be restored and must be recreated manually", newCred)
		return result, nil

	case remediation.ActionQuarantineIdentity, remediation.ActionBlockIP:
		ruleID, ok := entry.Data[remediation.RollbackKeyRuleID].(string)
		if !ok || ruleID == "" {
			return result, fmt.Errorf("%w: %s", ErrMissingData, remediation.RollbackKeyRuleID)
		}
		if err := c.providers.Network.Remove(ctx, ruleID); err != nil {
			return result, fmt.Errorf("remove block rule %s: %w", ruleID, err)
		}
		result.Success = true
		result.Message = fmt.Sprintf("removed block rule %s", ruleID)
		return result, nil

	case remediation.ActionRevokeToken:
		previous, ok := entry.Data[remediation.RollbackKeyPreviousStatus].(string)
		if !ok || previous == "" {
			return result, fmt.Errorf("%w: %s", ErrMissingData, remediation.RollbackKeyPreviousStatus)
		}
		if err := c.providers.Identity.RestoreToken(ctx, entry.Target, previous); err != nil {
			return result, fmt.Errorf("restore token %s: %w", entry.Target, err)
		}
		result.Success = true
		result.Message = fmt.Sprintf("restored token %s to status %q", entry.Target, previous)
		return result, nil

	case remediation.ActionDisableUser:
		previous, ok := entry.Data[remediation.RollbackKeyPreviousStatus].(string)
		if !ok || previous == "" {
			return result, fmt.Errorf("%w: %s", ErrMissingData, remediation.RollbackKeyPreviousStatus)
		}
		if _, err := c.providers.Identity.SetUserStatus(ctx, entry.Target, previous); err != nil {
			return result, fmt.Errorf("restore user %s: %w", entry.Target, err)
		}
		result.Success = true
		result.Message = fmt.Sprintf("restored user %s to status %q", entry.Target, previous)
		return result, nil

	case remediation.ActionIsolateInstance, remediation.ActionSnapshotVolume,
		remediation.ActionModifySecurityGroup, remediation.ActionUpdateIAMPolicy:
		identifier, ok := entry.Data[remediation.RollbackKeyIdentifier].(string)
		if !ok || identifier == "" {
			return result, fmt.Errorf("%w: %s", ErrMissingData, remediation.RollbackKeyIdentifier)
		}
		api, ok := c.providers.Cloud[entry.ActionType]
		if !ok || api == nil {
			return result, fmt.Errorf("%w: no cloud provider for %s", ErrUnsupportedType, entry.ActionType)
		}
		if err := api.Remove(ctx, identifier); err != nil {
			return result, fmt.Errorf("remove %s %s: %w", entry.ActionType, identifier, err)
		}
		result.Success = true
		result.Message = fmt.Sprintf("removed %s %s", entry.ActionType, identifier)
		return result, nil

	default:
		return result, fmt.Errorf("%w: %s has no compensating action", ErrUnsupportedType, entry.ActionType)
	}
}
