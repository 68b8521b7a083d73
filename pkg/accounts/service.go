// SPDX-FileCopyrightText: Copyright 2026 Keyline Authors
// SPDX-License-Identifier: Apache-2.0

// Package accounts manages end-user principals, their contact methods, and
// links to external identity providers.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-dev/keyline/pkg/logger"
	"github.com/keyline-dev/keyline/pkg/storage"
)

// ErrContactTaken flags a contact method value already claimed by another
// account.
var ErrContactTaken = errors.New("contact method already in use")

// Profile carries identity claims from an external provider or signup form.
type Profile struct {
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// Service manages account records in the backing store.
type Service struct {
	store storage.Gateway
	now   func() time.Time
}

// NewService creates a Service over the given gateway.
func NewService(store storage.Gateway) *Service {
	return &Service{store: store, now: time.Now}
}

// Get loads an account by id. Returns nil without error when missing.
func (s *Service) Get(ctx context.Context, id string) (*storage.AccountRecord, error) {
	rec, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CreateWithPassword creates an account with a bcrypt password digest and a
// primary email contact. The email claim is conditional: ErrContactTaken
// when another account holds it.
func (s *Service) CreateWithPassword(ctx context.Context, email, password string, profile Profile) (*storage.AccountRecord, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	account := &storage.AccountRecord{
		ID:           uuid.NewString(),
		PasswordHash: hash,
		IsActive:     true,
		Name:         profile.Name,
		GivenName:    profile.GivenName,
		FamilyName:   profile.FamilyName,
		Picture:      profile.Picture,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.PutAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	if _, err := s.AddContact(ctx, account.ID, storage.ContactTypeEmail, email, true, profile.EmailVerified); err != nil {
		return nil, err
	}
	return account, nil
}

// AddContact claims a contact value for an account. verified marks the
// contact as verified now.
func (s *Service) AddContact(ctx context.Context, accountID string, typ storage.ContactType, value string, primary, verified bool) (*storage.ContactMethodRecord, error) {
	rec := &storage.ContactMethodRecord{
		AccountID: accountID,
		ContactID: uuid.NewString(),
		Type:      typ,
		Value:     value,
		IsPrimary: primary,
	}
	if verified {
		now := s.now()
		rec.VerifiedAt = &now
	}

	if err := s.store.InsertContactMethod(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNotApplied) {
			return nil, ErrContactTaken
		}
		return nil, fmt.Errorf("failed to store contact method: %w", err)
	}
	return rec, nil
}

// Contacts lists every contact method for an account.
func (s *Service) Contacts(ctx context.Context, accountID string) ([]*storage.ContactMethodRecord, error) {
	return s.store.ListContactMethodsByAccount(ctx, accountID)
}

// PrimaryEmail returns the primary verified-or-not email contact, falling
// back to any email contact, or nil.
func (s *Service) PrimaryEmail(ctx context.Context, accountID string) (*storage.ContactMethodRecord, error) {
	contacts, err := s.Contacts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var anyEmail *storage.ContactMethodRecord
	for _, c := range contacts {
		if c.Type != storage.ContactTypeEmail {
			continue
		}
		if c.IsPrimary {
			return c, nil
		}
		if anyEmail == nil {
			anyEmail = c
		}
	}
	return anyEmail, nil
}

// AuthenticateByEmail verifies an email/password pair. Returns nil without
// error on any mismatch or inactive account.
func (s *Service) AuthenticateByEmail(ctx context.Context, email, password string) (*storage.AccountRecord, error) {
	contact, err := s.store.GetContactMethod(ctx, storage.ContactTypeEmail, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	account, err := s.Get(ctx, contact.AccountID)
	if err != nil || account == nil {
		return account, err
	}
	if !account.IsActive || len(account.PasswordHash) == 0 {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(password)) != nil {
		return nil, nil
	}
	return account, nil
}

// ResolveProviderAccount finds or creates the local account for an external
// identity. Resolution order:
//
//  1. existing (provider, provider_sub) link wins;
//  2. a verified email match attaches the identity to that account;
//  3. otherwise a new account is created and linked.
func (s *Service) ResolveProviderAccount(ctx context.Context, provider, providerSubject string, profile Profile) (*storage.AccountRecord, error) {
	if provider == "" || providerSubject == "" {
		return nil, errors.New("provider and provider subject are required")
	}

	link, err := s.store.GetProviderAccount(ctx, provider, providerSubject)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up provider account: %w", err)
	}
	if err == nil {
		account, err := s.store.GetAccount(ctx, link.AccountID)
		if err != nil {
			return nil, fmt.Errorf("provider link exists but account not found: %w", err)
		}
		return account, nil
	}

	// Attach to an existing account when the provider vouches for an email
	// we already know.
	var account *storage.AccountRecord
	var contactID string
	if profile.Email != "" && profile.EmailVerified {
		contact, err := s.store.GetContactMethod(ctx, storage.ContactTypeEmail, profile.Email)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err == nil {
			account, err = s.store.GetAccount(ctx, contact.AccountID)
			if err != nil {
				return nil, err
			}
			contactID = contact.ContactID
		}
	}

	if account == nil {
		now := s.now()
		account = &storage.AccountRecord{
			ID:         uuid.NewString(),
			IsActive:   true,
			Name:       profile.Name,
			GivenName:  profile.GivenName,
			FamilyName: profile.FamilyName,
			Picture:    profile.Picture,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.store.PutAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to store account: %w", err)
		}
		if profile.Email != "" {
			contact, err := s.AddContact(ctx, account.ID, storage.ContactTypeEmail, profile.Email, true, profile.EmailVerified)
			if err != nil && !errors.Is(err, ErrContactTaken) {
				return nil, err
			}
			if contact != nil {
				contactID = contact.ContactID
			}
		}
		logger.Infow("created account for external identity",
			"account_id", account.ID,
			"provider", provider,
		)
	}

	if err := s.store.PutProviderAccount(ctx, &storage.ProviderAccountRecord{
		Provider:        provider,
		ProviderSubject: providerSubject,
		AccountID:       account.ID,
		ContactID:       contactID,
		LinkedAt:        s.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to link provider account: %w", err)
	}

	return account, nil
}
