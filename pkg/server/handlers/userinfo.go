// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/oidcerr"
	"github.com/keyline-dev/keyline/pkg/server/middleware"
	"github.com/keyline-dev/keyline/pkg/storage"
)

// userinfoContact is one entry of the emails / phone_numbers arrays.
type userinfoContact struct {
	Value    string `json:"value"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

// UserInfo implements the OIDC userinfo endpoint. The bearer middleware has
// already verified the access token; claims are filtered by the token's
// granted scopes.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims := middleware.Claims(r.Context())
	sub, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)
	scopes := strings.Fields(scope)

	account, err := h.accounts.Get(r.Context(), sub)
	if err != nil {
		logger.Errorw("account lookup failed", "error", err, "user_id", sub)
		oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeServerError, "account lookup failed"))
		return
	}
	if account == nil {
		middleware.WriteBearerError(w, oidcerr.CodeUserNotFound, "user not found")
		return
	}
	if !account.IsActive {
		middleware.WriteBearerError(w, oidcerr.CodeUserInactive, "user is inactive")
		return
	}

	body := map[string]any{"sub": sub}

	if containsStr(scopes, "profile") {
		setIfNonEmpty(body, "name", account.Name)
		setIfNonEmpty(body, "given_name", account.GivenName)
		setIfNonEmpty(body, "family_name", account.FamilyName)
		setIfNonEmpty(body, "picture", account.Picture)
	}

	if containsStr(scopes, "email") {
		contacts, err := h.accounts.Contacts(r.Context(), sub)
		if err != nil {
			logger.Errorw("contact lookup failed", "error", err, "user_id", sub)
			oidcerr.WriteJSON(w, oidcerr.New(oidcerr.CodeServerError, "contact lookup failed"))
			return
		}

		emails := make([]userinfoContact, 0)
		phones := make([]userinfoContact, 0)
		var primaryEmail *userinfoContact
		for _, c := range contacts {
			entry := userinfoContact{
				Value:    c.Value,
				Verified: c.VerifiedAt != nil,
				Primary:  c.IsPrimary,
			}
			switch c.Type {
			case storage.ContactTypeEmail:
				emails = append(emails, entry)
				if entry.Primary || primaryEmail == nil {
					e := entry
					primaryEmail = &e
				}
			case storage.ContactTypePhone:
				phones = append(phones, entry)
			}
		}

		if primaryEmail != nil {
			body["email"] = primaryEmail.Value
			body["email_verified"] = primaryEmail.Verified
		}
		body["emails"] = emails
		body["phone_numbers"] = phones
	}

	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func containsStr(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func setIfNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
