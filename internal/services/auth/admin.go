package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

var (
	// ErrBuiltinRole is returned for writes against the shipped role set
	ErrBuiltinRole = errors.New("built-in roles cannot be modified")

	// ErrRoleCycle is returned when an inherits edge would close a loop
	ErrRoleCycle = errors.New("role inheritance would form a cycle")

	// ErrUnknownRole is returned when a referenced role id does not exist
	ErrUnknownRole = errors.New("unknown role id")

	// ErrUsernameTaken is returned when creating a duplicate username
	ErrUsernameTaken = errors.New("username already exists")
)

// UserPatch carries the mutable user fields; nil pointers leave the
// current value in place.
type UserPatch struct {
	Password *string
	Roles    []string
	Enabled  *bool
	Email    *string
}

// ListRoles returns every role, built-ins included
func (s *Service) ListRoles() ([]*models.Role, error) {
	return s.roles.List()
}

// GetRole returns one role by id
func (s *Service) GetRole(id string) (*models.Role, error) {
	return s.roles.Get(id)
}

// CreateRole stores a new custom role. Built-in ids cannot be reused and
// the inherits edges must reference existing roles without closing a cycle.
func (s *Service) CreateRole(role *models.Role) error {
	role.ID = strings.TrimSpace(role.ID)
	if role.ID == "" {
		return fmt.Errorf("role id is required")
	}
	if models.IsBuiltinRoleID(role.ID) {
		return ErrBuiltinRole
	}
	if _, err := s.roles.Get(role.ID); err == nil {
		return fmt.Errorf("role %s already exists", role.ID)
	}
	if err := s.validateInherits(role.ID, role.Inherits); err != nil {
		return err
	}

	role.BuiltIn = false
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now
	return s.roles.Save(role)
}

// UpdateRole replaces a custom role's definition
func (s *Service) UpdateRole(role *models.Role) error {
	existing, err := s.roles.Get(role.ID)
	if err != nil {
		return err
	}
	if existing.BuiltIn {
		return ErrBuiltinRole
	}
	if err := s.validateInherits(role.ID, role.Inherits); err != nil {
		return err
	}

	role.BuiltIn = false
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = time.Now()
	return s.roles.Save(role)
}

// DeleteRole removes a custom role. Users still holding the id simply
// lose its permissions; resolution skips unknown ids.
func (s *Service) DeleteRole(id string) error {
	role, err := s.roles.Get(id)
	if err != nil {
		return err
	}
	if role.BuiltIn {
		return ErrBuiltinRole
	}
	return s.roles.Delete(id)
}

// validateInherits checks that every inherited role exists and that no
// path through the inherits graph leads back to id.
func (s *Service) validateInherits(id string, inherits []string) error {
	for _, parent := range inherits {
		if parent == id {
			return ErrRoleCycle
		}
		if _, err := s.roles.Get(parent); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownRole, parent)
		}
	}

	// Walk outward from the proposed parents; reaching id closes a cycle.
	visited := map[string]bool{}
	stack := append([]string{}, inherits...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true

		role, err := s.roles.Get(current)
		if err != nil {
			continue
		}
		for _, parent := range role.Inherits {
			if parent == id {
				return ErrRoleCycle
			}
			stack = append(stack, parent)
		}
	}
	return nil
}

// ListUsers returns every user account
func (s *Service) ListUsers() ([]*models.User, error) {
	return s.users.List()
}

// GetUser returns one user by id
func (s *Service) GetUser(id string) (*models.User, error) {
	return s.users.Get(id)
}

// CreateUser stores a new enabled account with a bcrypt password hash.
// Usernames are case-insensitive and stored lowercase.
func (s *Service) CreateUser(username, password string, roles []string, email string) (*models.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}
	if _, err := s.users.GetByUsername(username); err == nil {
		return nil, ErrUsernameTaken
	}
	if err := s.validateRoleIDs(roles); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.NewUser(username, string(hash), roles)
	user.Email = email
	if err := s.users.Save(user); err != nil {
		return nil, err
	}

	s.logger.Info().Str("username", username).Strs("roles", roles).Msg("User created")
	return user, nil
}

// UpdateUser applies a patch to an account. Disabling an account or
// changing its password drops its live sessions.
func (s *Service) UpdateUser(id string, patch *UserPatch) (*models.User, error) {
	user, err := s.users.Get(id)
	if err != nil {
		return nil, err
	}

	dropSessions := false
	if patch.Roles != nil {
		if err := s.validateRoleIDs(patch.Roles); err != nil {
			return nil, err
		}
		user.Roles = patch.Roles
	}
	if patch.Enabled != nil {
		if user.Enabled && !*patch.Enabled {
			dropSessions = true
		}
		user.Enabled = *patch.Enabled
	}
	if patch.Email != nil {
		user.Email = *patch.Email
	}
	if patch.Password != nil {
		if *patch.Password == "" {
			return nil, fmt.Errorf("password cannot be empty")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = string(hash)
		dropSessions = true
	}

	if err := s.users.Save(user); err != nil {
		return nil, err
	}
	if dropSessions {
		s.sessions.DeleteForUser(user.ID)
	}
	return user, nil
}

// DeleteUser removes an account along with its sessions and API tokens
func (s *Service) DeleteUser(id string) error {
	user, err := s.users.Get(id)
	if err != nil {
		return err
	}

	tokens, err := s.tokens.ListByUser(user.ID)
	if err == nil {
		for _, token := range tokens {
			if err := s.tokens.Delete(token.ID); err != nil {
				s.logger.Warn().Err(err).Str("token_id", token.ID).Msg("Failed to delete token for removed user")
			}
		}
	}
	s.sessions.DeleteForUser(user.ID)

	if err := s.users.Delete(user.ID); err != nil {
		return err
	}
	s.logger.Info().Str("username", user.Username).Msg("User deleted")
	return nil
}

// ListTokens returns a user's API tokens
func (s *Service) ListTokens(userID string) ([]*models.APIToken, error) {
	return s.tokens.ListByUser(userID)
}

// GetToken returns one token record by id
func (s *Service) GetToken(id string) (*models.APIToken, error) {
	return s.tokens.Get(id)
}

// validateRoleIDs confirms every referenced role exists
func (s *Service) validateRoleIDs(roles []string) error {
	for _, id := range roles {
		if _, err := s.roles.Get(id); err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownRole, id)
		}
	}
	return nil
}

// interface guard
var _ interfaces.AuthService = (*Service)(nil)
