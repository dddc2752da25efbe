// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/kelpstudio/dts/auth"
)

type contextKey int

const actorContextKey contextKey = iota

// requireAuth parses "Authorization: Bearer <token>", verifies it as a
// session access token, resolves the owning User, and stashes it in the
// request context. Unlike the teacher's getAuthInfo (which base64-decodes a
// token handed to it by an external KBase auth server), our tokens are
// fernet-sealed blobs verified locally by auth.VerifyAccessToken.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		username, err := auth.VerifyAccessToken(token)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		user, err := s.cat.UserByUsername(username)
		if err != nil {
			writeError(w, "unknown session principal", http.StatusUnauthorized)
			return
		}
		if !user.IsActive {
			writeError(w, "account is disabled", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFrom retrieves the authenticated User requireAuth placed in the request
// context. Only called from handlers mounted under the protected subrouter,
// so the type assertion never fails in practice.
func actorFrom(r *http.Request) auth.User {
	return r.Context().Value(actorContextKey).(auth.User)
}
