package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
	"github.com/toolhub/toolhub/internal/repository"
)

// Username policy: non-empty, allowed charset only. Anything containing "@"
// is rejected outright so a username can never be mistaken for an email
// address.
var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	disallowedChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// validateUsernameFormat checks the charset/format rules shared by native
// registration and renames. Collision and ownership gates live with the
// callers — this is pure string policy.
func validateUsernameFormat(name string) error {
	if name == "" {
		return apperror.New(apperror.ErrInvalidUsername, "username must not be empty")
	}
	if strings.Contains(name, "@") {
		return apperror.New(apperror.ErrInvalidUsername, "username must not look like an email address")
	}
	if !usernamePattern.MatchString(name) {
		return apperror.New(apperror.ErrInvalidUsername,
			"username may only contain letters, digits, '.', '_' and '-'")
	}
	return nil
}

// allocateUsername derives a collision-free username from an external
// profile.
//
// Candidate order: display name, then the local part of the email, then a
// provider-prefixed external id as last resort. The candidate is stripped to
// the allowed charset; if it is already taken, a numeric disambiguator is
// appended and incremented until a free name is found.
//
// The returned name was free at the time of the check. A concurrent insert
// can still win the race — account creation maps that to
// ErrDuplicateUsername and the engine re-allocates.
func allocateUsername(ctx context.Context, accounts repository.AccountRepository, profile *model.ExternalProfile) (string, error) {
	base := usernameSeed(profile)

	name := base
	for i := 1; ; i++ {
		taken, err := accounts.UsernameTaken(ctx, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		if i > 1000 {
			// practically unreachable; guards against a pathological store
			return "", fmt.Errorf("service: could not allocate a free username from %q", base)
		}
		name = base + strconv.Itoa(i)
	}
}

// usernameSeed picks and sanitizes the first usable candidate.
func usernameSeed(profile *model.ExternalProfile) string {
	candidates := []string{profile.DisplayName}
	if at := strings.IndexByte(profile.Email, '@'); at > 0 {
		candidates = append(candidates, profile.Email[:at])
	}
	candidates = append(candidates, string(profile.Provider)+"-"+profile.ExternalID)

	for _, c := range candidates {
		if s := disallowedChars.ReplaceAllString(c, ""); s != "" {
			return s
		}
	}
	// every candidate collapsed to nothing after stripping
	return string(profile.Provider) + "-user"
}
