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

package auth

import "time"

// Role is a closed sum type over the studio roles that the state machine and
// policy tables dispatch on. Admin is a wildcard recognized by Policy, not a
// privilege level stacked on top of the others.
type Role string

const (
	RoleArtist       Role = "artist"
	RoleTeamLead     Role = "team_lead"
	RoleSupervisor   Role = "supervisor"
	RoleLineProducer Role = "line_producer"
	RoleDataTeam     Role = "data_team"
	RoleITTeam       Role = "it_team"
	RoleAdmin        Role = "admin"
)

// returns true if the role names one of the roles above
func (r Role) Valid() bool {
	switch r {
	case RoleArtist, RoleTeamLead, RoleSupervisor, RoleLineProducer,
		RoleDataTeam, RoleITTeam, RoleAdmin:
		return true
	}
	return false
}

// A record describing a DTS user: an artist, an approver, or an operator.
type User struct {
	Id          int64
	Username    string
	DisplayName string
	Email       string
	Role        Role
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
