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

package catalog

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"zombiezen.com/go/sqlite"

	"github.com/kelpstudio/dts/auth"
	"github.com/kelpstudio/dts/store"
)

// creates a new User with the given password, returning a ConflictError if
// the username is already taken
func (c *Catalog) CreateUser(u auth.User, password string) (auth.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.User{}, err
	}
	result, err := WithTx(c, func(tx *store.Tx) (auth.User, error) {
		now := store.Now()
		err := tx.Exec(`
			INSERT INTO users (username, display_name, email, role, password_hash, is_active, created_at, updated_at)
			VALUES (:username, :display_name, :email, :role, :password_hash, 1, :now, :now)`,
			map[string]any{
				"username":      u.Username,
				"display_name":  u.DisplayName,
				"email":         u.Email,
				"role":          string(u.Role),
				"password_hash": string(hash),
				"now":           formatTime(now),
			})
		if err != nil {
			if isUniqueViolation(err) {
				return auth.User{}, &ConflictError{Entity: "user", Detail: u.Username}
			}
			return auth.User{}, err
		}
		u.CreatedAt, u.UpdatedAt = now, now
		u.IsActive = true
		return u, nil
	})
	return result, err
}

// returns the user with the given username
func (c *Catalog) UserByUsername(username string) (auth.User, error) {
	return WithTx(c, func(tx *store.Tx) (auth.User, error) {
		var found auth.User
		var ferr error
		err := tx.Query(`SELECT * FROM users WHERE username = :username`,
			map[string]any{"username": username},
			func(stmt *sqlite.Stmt) error {
				found, ferr = scanUser(stmt)
				return ferr
			})
		if err != nil {
			return auth.User{}, err
		}
		if ferr != nil {
			return auth.User{}, ferr
		}
		if found.Id == 0 {
			return auth.User{}, &NotFoundError{Entity: "user", Key: username}
		}
		return found, nil
	})
}

// returns the user with the given id
func (c *Catalog) UserByID(id int64) (auth.User, error) {
	return WithTx(c, func(tx *store.Tx) (auth.User, error) {
		var found auth.User
		err := tx.Query(`SELECT * FROM users WHERE id = :id`,
			map[string]any{"id": id},
			func(stmt *sqlite.Stmt) error {
				var err error
				found, err = scanUser(stmt)
				return err
			})
		if err != nil {
			return auth.User{}, err
		}
		if found.Id == 0 {
			return auth.User{}, &NotFoundError{Entity: "user", Key: id}
		}
		return found, nil
	})
}

// returns true if password matches the stored hash for username
func (c *Catalog) VerifyPassword(username, password string) (bool, error) {
	return WithTx(c, func(tx *store.Tx) (bool, error) {
		var hash string
		found := false
		err := tx.Query(`SELECT password_hash FROM users WHERE username = :username`,
			map[string]any{"username": username},
			func(stmt *sqlite.Stmt) error {
				hash = stmt.GetText("password_hash")
				found = true
				return nil
			})
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
	})
}

// returns all active users with the given role
func (c *Catalog) ActiveUsersWithRole(role auth.Role) ([]auth.User, error) {
	return WithTx(c, func(tx *store.Tx) ([]auth.User, error) {
		return ActiveUsersWithRoleTx(tx, role)
	})
}

// ActiveUsersWithRoleTx is the transactional form, used by statemachine to
// resolve notification recipients inside the same transaction that records
// a transition.
func ActiveUsersWithRoleTx(tx *store.Tx, role auth.Role) ([]auth.User, error) {
	users := make([]auth.User, 0)
	err := tx.Query(`SELECT * FROM users WHERE role = :role AND is_active = 1 ORDER BY id`,
		map[string]any{"role": string(role)},
		func(stmt *sqlite.Stmt) error {
			u, err := scanUser(stmt)
			if err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	return users, err
}

func scanUser(stmt *sqlite.Stmt) (auth.User, error) {
	role := auth.Role(stmt.GetText("role"))
	if !role.Valid() {
		return auth.User{}, fmt.Errorf("catalog: invalid role in users row: %q", role)
	}
	return auth.User{
		Id:          stmt.GetInt64("id"),
		Username:    stmt.GetText("username"),
		DisplayName: stmt.GetText("display_name"),
		Email:       stmt.GetText("email"),
		Role:        role,
		IsActive:    stmt.GetInt64("is_active") != 0,
		CreatedAt:   parseTime(stmt.GetText("created_at")),
		UpdatedAt:   parseTime(stmt.GetText("updated_at")),
	}, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// violation, the way sqlite.ErrCode is meant to be inspected in client code.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite.ResultConstraintUnique
	}
	return false
}

func asSqliteError(err error, target *sqlite.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite.Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
