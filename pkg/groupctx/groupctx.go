// Package groupctx resolves and propagates the tenant identity for every
// operation in the execution core (spec.md §4.1). Grounded on
// original_source/.../utils/user_context.py (GroupContext.from_email,
// generate_individual_group_id, role ordering) and on the teacher's
// pkg/session package for the request-scoped value-object shape.
package groupctx

import (
	"context"
	"regexp"
	"strings"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
)

// Role is a membership role, ordered admin > editor > operator.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleOperator Role = "operator"
)

var roleStrength = map[Role]int{
	RoleAdmin:    3,
	RoleEditor:   2,
	RoleOperator: 1,
}

// Stronger returns whichever of a, b outranks the other. Unknown roles
// are treated as weaker than any known role.
func Stronger(a, b Role) Role {
	if roleStrength[a] >= roleStrength[b] {
		return a
	}
	return b
}

// PersonalWorkspacePrefix is the required prefix of every synthesized
// personal-workspace group ID (spec.md §4.1 rule 2).
const PersonalWorkspacePrefix = "user_"

var sanitizeRE = regexp.MustCompile(`[^a-z0-9]+`)

// PersonalWorkspaceID deterministically derives the personal-workspace
// group ID for an email: lowercase, non-alphanumeric runs collapsed to
// "_", prefixed "user_". Grounded on
// user_context.py generate_individual_group_id.
func PersonalWorkspaceID(email string) string {
	lower := strings.ToLower(strings.TrimSpace(email))
	sanitized := sanitizeRE.ReplaceAllString(lower, "_")
	sanitized = strings.Trim(sanitized, "_")
	return PersonalWorkspacePrefix + sanitized
}

// GroupContext is the request-scoped tenant identity (spec.md §3).
// Immutable after construction; only primitive fields are carried, so the
// struct serializes cleanly across the subprocess boundary (spec.md §9).
type GroupContext struct {
	GroupIDs    []string
	GroupEmail  string
	EmailDomain string
	UserID      string
	AccessToken string
	UserRole    Role
	HighestRole Role
}

// PrimaryGroupID returns the group new data should be stamped with.
func (g GroupContext) PrimaryGroupID() string {
	if len(g.GroupIDs) == 0 {
		return ""
	}
	return g.GroupIDs[0]
}

// IsPersonalWorkspace reports whether the primary group is a personal
// workspace (derived, single-member) group.
func (g GroupContext) IsPersonalWorkspace() bool {
	return strings.HasPrefix(g.PrimaryGroupID(), PersonalWorkspacePrefix)
}

// Membership is one group a user belongs to, with their role in it.
type Membership struct {
	GroupID string
	Role    Role
}

// MembershipLookup resolves a user's group memberships. The caller
// (router layer) supplies the concrete implementation (user directory,
// auto-creation); this keeps the core's dependency on identity storage
// to a single narrow interface, matching spec.md §1's external-storage
// boundary.
type MembershipLookup interface {
	MembershipsForEmail(ctx context.Context, email string) ([]Membership, error)
}

// Resolve builds a GroupContext from an email and an optional explicit
// group selector, following spec.md §4.1 rules 1-4.
func Resolve(ctx context.Context, lookup MembershipLookup, email, accessToken, userID, explicitGroup string) (GroupContext, error) {
	if email == "" {
		return GroupContext{}, coreerr.New(coreerr.Forbidden, "email is required to resolve a group context")
	}

	domain := ""
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		domain = email[idx+1:]
	}

	memberships, err := lookup.MembershipsForEmail(ctx, email)
	if err != nil {
		return GroupContext{}, coreerr.Wrap(coreerr.Internal, "membership lookup failed", err)
	}

	personalID := PersonalWorkspaceID(email)

	var groupIDs []string
	var highest Role
	membershipSet := make(map[string]Role, len(memberships))
	if len(memberships) == 0 {
		groupIDs = []string{personalID}
	} else {
		for _, m := range memberships {
			groupIDs = append(groupIDs, m.GroupID)
			membershipSet[m.GroupID] = m.Role
			highest = Stronger(highest, m.Role)
		}
	}

	if explicitGroup != "" {
		isOwnMembership := containsString(groupIDs, explicitGroup)
		isOwnPersonalWorkspace := explicitGroup == personalID
		if !isOwnMembership && !isOwnPersonalWorkspace {
			// Either an unrelated group, or a personal-workspace-shaped ID
			// that doesn't sanitize-match this user's own email — both are
			// spoofing attempts and fail identically.
			return GroupContext{}, coreerr.New(coreerr.Forbidden, "requested group is not a membership of this user")
		}
		groupIDs = moveToFront(groupIDs, explicitGroup)
	}

	userRole := membershipSet[groupIDs[0]]
	if groupIDs[0] == personalID {
		// Selecting the personal workspace authorizes using highest_role
		// across all memberships without escalating any other group's
		// role (spec.md §4.1 rule 4).
		userRole = highest
	}

	return GroupContext{
		GroupIDs:    groupIDs,
		GroupEmail:  email,
		EmailDomain: domain,
		UserID:      userID,
		AccessToken: accessToken,
		UserRole:    userRole,
		HighestRole: highest,
	}, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// moveToFront puts target first in ids, adding it (as the personal
// workspace) if it isn't already present.
func moveToFront(ids []string, target string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, target)
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// contextKey is an unexported type to avoid collisions in context.Context.
type contextKey struct{}

// WithContext binds g as the ambient GroupContext for ctx (spec.md §9
// propagation rule (b): bind to the task's ambient value).
func WithContext(ctx context.Context, g GroupContext) context.Context {
	return context.WithValue(ctx, contextKey{}, g)
}

// FromContext retrieves the ambient GroupContext, if any.
func FromContext(ctx context.Context) (GroupContext, bool) {
	g, ok := ctx.Value(contextKey{}).(GroupContext)
	return g, ok
}

// RequireGroupFilter fails loudly if ids is empty — every repository
// read/write MUST filter by group_ids (spec.md §4.1).
func RequireGroupFilter(ids []string) error {
	if len(ids) == 0 {
		return coreerr.New(coreerr.SecurityViolation, "query is missing a required group_id filter")
	}
	return nil
}
