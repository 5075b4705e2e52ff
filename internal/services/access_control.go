package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// approvedEmailsDoc holds the allow-list in its "emails" field.
const approvedEmailsDoc = "approved_emails"

// AccessControl gates sign-in on an e-mail allow-list.
type AccessControl struct {
	store          store.Store
	enforce        bool
	assumeApproved bool
}

// NewAccessControl returns a gate. When enforce is false, or assumeApproved
// is true, every identity is admitted.
func NewAccessControl(st store.Store, enforce, assumeApproved bool) *AccessControl {
	return &AccessControl{store: st, enforce: enforce, assumeApproved: assumeApproved}
}

// Check returns ErrPermission when id may not sign in.
func (a *AccessControl) Check(ctx context.Context, id auth.Identity) error {
	if !a.enforce || a.assumeApproved {
		return nil
	}
	email := normalizeEmail(id.Email)
	if email == "" {
		return ErrPermission
	}
	list, err := a.Approved(ctx)
	if err != nil {
		return err
	}
	for _, e := range list {
		if e == email {
			return nil
		}
	}
	return ErrPermission
}

// Approved lists the approved addresses in sorted order.
func (a *AccessControl) Approved(ctx context.Context) ([]string, error) {
	doc, err := a.store.Get(ctx, domain.CollAccessControl, approvedEmailsDoc)
	if errors.Is(err, store.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, classify("read approved emails", err)
	}
	raw, _ := doc.Data["emails"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, normalizeEmail(s))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Approve adds email to the allow-list.
func (a *AccessControl) Approve(ctx context.Context, email string) error {
	return a.edit(ctx, email, store.ArrayUnion)
}

// Revoke removes email from the allow-list.
func (a *AccessControl) Revoke(ctx context.Context, email string) error {
	return a.edit(ctx, email, store.ArrayRemove)
}

func (a *AccessControl) edit(ctx context.Context, email string, op func(...any) any) error {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidInput
	}
	_, err := a.store.Put(ctx, domain.CollAccessControl, approvedEmailsDoc, map[string]any{
		"emails":    op(email),
		"updatedAt": store.ServerTimestamp,
	}, true)
	return classify("edit approved emails", err)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
