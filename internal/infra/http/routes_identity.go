package http

import (
	"context"

	"acquire/internal/identity"
)

// IdentityRoutes is the identity service's function table. Everything except
// get_session_cert is anonymous: callers prove themselves with credentials,
// not transport identity.
func IdentityRoutes(id *identity.Service) map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"register": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			return id.Register(ctx, in.Username, in.Password)
		},

		"request_login": func(ctx context.Context, call *Call) (any, error) {
			var in identity.LoginRequest
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			return id.RequestLogin(ctx, in)
		},

		"login": func(ctx context.Context, call *Call) (any, error) {
			var in identity.Credentials
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			return id.Login(ctx, in)
		},

		"get_status": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Username   string `json:"username"`
				SessionUID string `json:"session_uid"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			status, err := id.GetStatus(ctx, in.Username, in.SessionUID)
			if err != nil {
				return nil, err
			}
			return map[string]string{"status": string(status)}, nil
		},

		"logout": func(ctx context.Context, call *Call) (any, error) {
			var in struct {
				Username   string `json:"username"`
				SessionUID string `json:"session_uid"`
				Signature  []byte `json:"signature"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			if err := id.Logout(ctx, in.Username, in.SessionUID, in.Signature); err != nil {
				return nil, err
			}
			return map[string]string{"status": "logged_out"}, nil
		},

		// get_session_cert serves verifiers at other services. The cert is
		// public material, but restricting the call keeps session liveness
		// from being probed anonymously.
		"get_session_cert": func(ctx context.Context, call *Call) (any, error) {
			if err := call.RequireTrusted(); err != nil {
				return nil, err
			}
			var in struct {
				UserUID    string `json:"user_uid"`
				SessionUID string `json:"session_uid"`
			}
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			cert, status, err := id.SessionCert(ctx, in.UserUID, in.SessionUID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"public_cert": cert,
				"status":      string(status),
			}, nil
		},
	}
}
