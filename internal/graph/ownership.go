package graph

import (
	"fmt"
	"strings"
)

// Scope is the caller identity every graph read is filtered through.
// A node is visible when any one of these holds:
//
//	workspace_id == WorkspaceID
//	workspace_id == "user:" + UserID
//	user_id      == UserID
//	team_id      == TeamID
//
// Empty caller fields never match anything, so the zero Scope sees nothing.
type Scope struct {
	WorkspaceID string
	UserID      string
	TeamID      string
}

// NewScope builds a scope, deriving the team id from a team:<id> workspace
func NewScope(workspaceID, userID, teamID string) Scope {
	if teamID == "" {
		if id, ok := strings.CutPrefix(workspaceID, "team:"); ok {
			teamID = id
		}
	}
	return Scope{WorkspaceID: workspaceID, UserID: userID, TeamID: teamID}
}

// ScopeForWorkspace returns the scope a background job uses when it acts on
// behalf of a whole workspace.
func ScopeForWorkspace(workspaceID string) Scope {
	userID, _ := strings.CutPrefix(workspaceID, "user:")
	if userID == workspaceID {
		userID = ""
	}
	return NewScope(workspaceID, userID, "")
}

// IsZero reports whether the scope can see nothing
func (s Scope) IsZero() bool {
	return s.WorkspaceID == "" && s.UserID == "" && s.TeamID == ""
}

// Visible applies the ownership predicate to a node's tags
func (s Scope) Visible(o Owner) bool {
	if s.WorkspaceID != "" && o.WorkspaceID == s.WorkspaceID {
		return true
	}
	if s.UserID != "" {
		if o.WorkspaceID == "user:"+s.UserID || o.UserID == s.UserID {
			return true
		}
	}
	if s.TeamID != "" && o.TeamID == s.TeamID {
		return true
	}
	return false
}

// SQL renders the predicate for a table alias as a parenthesised fragment
// with positional placeholders.
func (s Scope) SQL(alias string) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	var clauses []string
	var args []any
	if s.WorkspaceID != "" {
		clauses = append(clauses, col("workspace_id")+" = ?")
		args = append(args, s.WorkspaceID)
	}
	if s.UserID != "" {
		clauses = append(clauses, col("workspace_id")+" = ?", col("user_id")+" = ?")
		args = append(args, "user:"+s.UserID, s.UserID)
	}
	if s.TeamID != "" {
		clauses = append(clauses, col("team_id")+" = ?")
		args = append(args, s.TeamID)
	}
	if len(clauses) == 0 {
		return "(1 = 0)", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// Cypher renders the predicate for a node variable. Parameter names are
// prefixed with the variable so one query can filter several endpoints.
func (s Scope) Cypher(v string) (string, map[string]any) {
	params := map[string]any{}
	var clauses []string
	p := func(name string) string { return fmt.Sprintf("%s_scope_%s", v, name) }

	if s.WorkspaceID != "" {
		clauses = append(clauses, fmt.Sprintf("%s.workspace_id = $%s", v, p("ws")))
		params[p("ws")] = s.WorkspaceID
	}
	if s.UserID != "" {
		clauses = append(clauses,
			fmt.Sprintf("%s.workspace_id = $%s", v, p("user_ws")),
			fmt.Sprintf("%s.user_id = $%s", v, p("user")))
		params[p("user_ws")] = "user:" + s.UserID
		params[p("user")] = s.UserID
	}
	if s.TeamID != "" {
		clauses = append(clauses, fmt.Sprintf("%s.team_id = $%s", v, p("team")))
		params[p("team")] = s.TeamID
	}
	if len(clauses) == 0 {
		return "false", params
	}
	return "(" + strings.Join(clauses, " OR ") + ")", params
}
