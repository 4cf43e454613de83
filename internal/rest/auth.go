package rest

import (
	"context"
	"time"

	"fleettrack/internal/apierr"
	"fleettrack/internal/model"
)

// wireUser is the backend's user shape; roles arrive in snake_case.
type wireUser struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Role             string     `json:"role"`
	OrganizationID   string     `json:"organizationId"`
	OrganizationName string     `json:"organizationName"`
	IsActive         *bool      `json:"isActive"`
	LastLoginAt      *time.Time `json:"lastLoginAt"`
}

func (w wireUser) toModel() (model.User, error) {
	role, err := model.RoleFromWire(w.Role)
	if err != nil {
		return model.User{}, apierr.Wrap(apierr.KindNetwork, err, "backend returned unknown role")
	}
	active := true
	if w.IsActive != nil {
		active = *w.IsActive
	}
	return model.User{
		ID:               w.ID,
		Name:             w.Name,
		Email:            w.Email,
		Role:             role,
		OrganizationID:   w.OrganizationID,
		OrganizationName: w.OrganizationName,
		IsActive:         active,
		LastLoginAt:      w.LastLoginAt,
	}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User   wireUser     `json:"user"`
	Tokens model.Tokens `json:"tokens"`
}

// Login exchanges credentials for a user and token pair. Not bearer
// authenticated and never triggers the refresh path.
func (c *Client) Login(ctx context.Context, email, password string) (model.User, model.Tokens, error) {
	var resp loginResponse
	err := c.call(ctx, "POST", "/auth/login", loginRequest{Email: email, Password: password}, &resp, callOptions{skipAuth: true})
	if err != nil {
		// The login endpoint answers bad credentials with 401; that is not
		// an expired session.
		if apierr.IsKind(err, apierr.KindUnauthorized) {
			return model.User{}, model.Tokens{}, apierr.New(apierr.KindValidation, "invalid email or password")
		}
		return model.User{}, model.Tokens{}, err
	}

	user, err := resp.User.toModel()
	if err != nil {
		return model.User{}, model.Tokens{}, err
	}
	return user, resp.Tokens, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshToken trades a refresh token for a fresh pair. A 401 here means the
// refresh token itself was rejected.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (model.Tokens, error) {
	var tokens model.Tokens
	err := c.call(ctx, "POST", "/auth/refresh-token", refreshRequest{RefreshToken: refreshToken}, &tokens, callOptions{skipAuth: true})
	if err != nil {
		if apierr.IsKind(err, apierr.KindUnauthorized) {
			return model.Tokens{}, apierr.New(apierr.KindAuthExpired, "refresh token rejected")
		}
		return model.Tokens{}, err
	}
	return tokens, nil
}

// Logout invalidates the session server-side. Callers treat failures as best
// effort.
func (c *Client) Logout(ctx context.Context) error {
	return c.post(ctx, "/auth/logout", nil, nil)
}

// Profile fetches the authenticated user's profile.
func (c *Client) Profile(ctx context.Context) (model.User, error) {
	var w wireUser
	if err := c.get(ctx, "/auth/profile", nil, &w); err != nil {
		return model.User{}, err
	}
	return w.toModel()
}
