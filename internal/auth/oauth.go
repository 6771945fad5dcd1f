package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/oauth2/github"

	"github.com/toolhub/toolhub/internal/apperror"
	"github.com/toolhub/toolhub/internal/model"
)

// ProfileResolver normalizes one external provider's OAuth callback into a
// canonical ExternalProfile. Pure transformation — it never touches storage.
// A callback that cannot be verified (bad code, failed exchange) is terminal
// and maps to apperror.ErrExternalAuth; the user restarts the flow.
type ProfileResolver interface {
	Provider() model.Provider
	// AuthURL returns the provider authorization URL for the given CSRF state.
	AuthURL(state string) string
	// Exchange trades the authorization code for a verified profile.
	Exchange(ctx context.Context, code string) (*model.ExternalProfile, error)
}

// githubUser is the portion of the GitHub /user API response we care about.
type githubUser struct {
	ID        int64  `json:"id"`    // GitHub's numeric user ID — stable, never changes
	Login     string `json:"login"` // GitHub username
	Email     string `json:"email"` // primary email (empty if hidden)
	AvatarURL string `json:"avatar_url"`
}

// GitHubResolver implements ProfileResolver for the GitHub Authorization
// Code flow via golang.org/x/oauth2. The code-for-token exchange happens
// server-to-server with the client secret; the access token never reaches
// the browser.
type GitHubResolver struct {
	config *oauth2.Config
}

// NewGitHubResolver creates a GitHubResolver with the given OAuth App
// credentials. callbackURL must exactly match the authorization callback URL
// configured on the app.
func NewGitHubResolver(clientID, clientSecret, callbackURL string) *GitHubResolver {
	return &GitHubResolver{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
	}
}

func (p *GitHubResolver) Provider() model.Provider { return model.ProviderGitHub }

func (p *GitHubResolver) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for a GitHub profile:
//  1. exchange the code for an OAuth access token (server-to-server)
//  2. call GitHub's /user endpoint with the token
//  3. normalize the response into an ExternalProfile
func (p *GitHubResolver) Exchange(ctx context.Context, code string) (*model.ExternalProfile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "exchanging GitHub OAuth code failed")
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "calling GitHub /user API failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.ErrExternalAuth, "GitHub /user API returned status %d", resp.StatusCode)
	}

	var gh githubUser
	if err := json.NewDecoder(resp.Body).Decode(&gh); err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "decoding GitHub /user response failed")
	}
	if gh.ID == 0 {
		return nil, apperror.New(apperror.ErrExternalAuth, "GitHub returned an invalid user (ID = 0)")
	}

	return &model.ExternalProfile{
		Provider:    model.ProviderGitHub,
		ExternalID:  strconv.FormatInt(gh.ID, 10),
		Email:       gh.Email,
		DisplayName: gh.Login,
		AvatarURL:   gh.AvatarURL,
		Token:       token.AccessToken,
	}, nil
}

// googleUser is the portion of the Google userinfo response we care about.
// The "sub" claim is Google's stable user identifier.
type googleUser struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Picture       string `json:"picture"`
}

// GoogleResolver implements ProfileResolver for Google's OpenID Connect
// userinfo flow, mirroring GitHubResolver.
type GoogleResolver struct {
	config *oauth2.Config
}

func NewGoogleResolver(clientID, clientSecret, callbackURL string) *GoogleResolver {
	return &GoogleResolver{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoints.Google,
		},
	}
}

func (p *GoogleResolver) Provider() model.Provider { return model.ProviderGoogle }

func (p *GoogleResolver) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *GoogleResolver) Exchange(ctx context.Context, code string) (*model.ExternalProfile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "exchanging Google OAuth code failed")
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v3/userinfo")
	if err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "calling Google userinfo API failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.ErrExternalAuth, "Google userinfo API returned status %d", resp.StatusCode)
	}

	var gu googleUser
	if err := json.NewDecoder(resp.Body).Decode(&gu); err != nil {
		return nil, apperror.New(apperror.ErrExternalAuth, "decoding Google userinfo response failed")
	}
	if gu.Sub == "" {
		return nil, apperror.New(apperror.ErrExternalAuth, "Google returned an invalid user (empty sub)")
	}

	profile := &model.ExternalProfile{
		Provider:    model.ProviderGoogle,
		ExternalID:  gu.Sub,
		DisplayName: gu.Name,
		AvatarURL:   gu.Picture,
		Token:       token.AccessToken,
	}
	// Only trust the email if Google asserts ownership of it.
	if gu.EmailVerified {
		profile.Email = gu.Email
	}
	return profile, nil
}

// Registry maps provider names to their resolvers. The handler looks the
// resolver up from the {provider} URL segment.
type Registry map[model.Provider]ProfileResolver

// Resolver returns the resolver for name, or an error if the provider is
// unknown or not configured.
func (r Registry) Resolver(name string) (ProfileResolver, error) {
	p := model.Provider(name)
	if !p.External() {
		return nil, fmt.Errorf("auth: unknown OAuth provider %q", name)
	}
	res, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("auth: provider %q is not configured", name)
	}
	return res, nil
}
