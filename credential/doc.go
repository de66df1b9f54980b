// Package credential resolves the extra handshake headers for a named profile.
//
// Two providers exist. Static returns fixed headers. Login POSTs a configured body to
// a login endpoint and turns the first cookie of the response into a Cookie header;
// the cookie is cached until it expires or the supervisor invalidates it after a
// failed connect. Logins are rate limited, de-duplicated across concurrent callers,
// retried with backoff and guarded by a circuit breaker so that a reconnect storm
// cannot hammer the login endpoint.
//
// A Set maps profile names to providers and is what the supervisor is given:
//
//	set := credential.NewSet()
//	login, err := credential.NewLogin("feed", credential.LoginConfig{
//		Endpoint: "https://feed.example.com/api/login",
//		Body:     map[string]any{"username": "u", "password": "p"},
//	})
//	if err != nil {
//		return err
//	}
//	_ = set.Add("feed", login)
//	sup, err := supervisor.New(cfg, sink, supervisor.WithCredentials(set))
package credential
