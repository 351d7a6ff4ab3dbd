package guard

import (
	"strconv"
	"time"

	"github.com/giantswarm/api-guard/server"
	"github.com/giantswarm/api-guard/storage"
)

// PrincipalResponse is the public view of a principal
type PrincipalResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthResponse is returned by register and login
type AuthResponse struct {
	User      PrincipalResponse `json:"user"`
	Token     string            `json:"token"`
	TokenType string            `json:"token_type"`
	ExpiresAt time.Time         `json:"expires_at"`
	ExpiresIn int64             `json:"expires_in"`
}

func newPrincipalResponse(p *storage.Principal) PrincipalResponse {
	return PrincipalResponse{
		ID:        strconv.FormatInt(p.ID, 10),
		Email:     p.Email,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
	}
}

func newAuthResponse(sess *server.Session) AuthResponse {
	return AuthResponse{
		User:      newPrincipalResponse(sess.Principal),
		Token:     sess.Token.AccessToken,
		TokenType: sess.Token.TokenType,
		ExpiresAt: sess.Token.Expiry,
		ExpiresIn: sess.Token.ExpiresIn,
	}
}
