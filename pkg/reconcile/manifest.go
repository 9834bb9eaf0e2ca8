package reconcile

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/learnhub/keystone/pkg/orgroles"
	"github.com/learnhub/keystone/pkg/storage"
)

// Manifest declares the desired permission model. Every section is optional.
type Manifest struct {
	Platform      PlatformSection     `yaml:"platform"`
	Organizations OrganizationSection `yaml:"organizations"`
	SuperAdmin    SuperAdminSection   `yaml:"super_admin"`
}

// PlatformSection declares registry permissions and system roles.
type PlatformSection struct {
	Permissions []PermissionGroup  `yaml:"permissions" validate:"dive"`
	Roles       []SystemRoleConfig `yaml:"roles" validate:"dive"`
}

// PermissionGroup lists permission identifiers registered under one guard.
type PermissionGroup struct {
	Guard       string   `yaml:"guard" validate:"required,oneof=web api"`
	Identifiers []string `yaml:"identifiers" validate:"dive,required"`
}

// SystemRoleConfig declares a system role. Permissions fully replace the
// role's membership on every run and must already be registered.
type SystemRoleConfig struct {
	ID             int64    `yaml:"id" validate:"required,gt=0"`
	Name           string   `yaml:"name" validate:"required"`
	Guard          string   `yaml:"guard" validate:"required,oneof=web api"`
	AllPermissions bool     `yaml:"all_permissions"`
	AllowRename    bool     `yaml:"allow_rename"`
	Permissions    []string `yaml:"permissions" validate:"dive,required"`
}

// OrganizationSection declares the tenant catalogue and provisioning.
type OrganizationSection struct {
	// UseDefaultCatalogue adds orgroles.DefaultCatalogue() to Catalogue.
	UseDefaultCatalogue bool                  `yaml:"use_default_catalogue"`
	Catalogue           []orgroles.Permission `yaml:"catalogue" validate:"dive"`

	// UseDefaultTemplates adds orgroles.DefaultTemplates() to Templates.
	UseDefaultTemplates bool                    `yaml:"use_default_templates"`
	Templates           []orgroles.RoleTemplate `yaml:"templates" validate:"dive"`

	// Provision lists organizations that receive the templates.
	Provision []int64 `yaml:"provision" validate:"dive,gt=0"`

	Roles     []OrganizationRoleConfig `yaml:"roles" validate:"dive"`
	Backfills []BackfillConfig         `yaml:"backfills" validate:"dive"`

	// Concurrency bounds parallel per-organization work. Zero means 4.
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=64"`
}

// OrganizationRoleConfig defines one role in one organization.
type OrganizationRoleConfig struct {
	OrganizationID int64    `yaml:"organization_id" validate:"required,gt=0"`
	Name           string   `yaml:"name" validate:"required"`
	Description    string   `yaml:"description"`
	Permissions    []string `yaml:"permissions" validate:"dive,required"`
}

// BackfillConfig adds permissions to every role named Role. When
// Organizations is set only those organizations are touched.
type BackfillConfig struct {
	Role          string   `yaml:"role" validate:"required"`
	Permissions   []string `yaml:"permissions" validate:"required,min=1,dive,required"`
	Organizations []int64  `yaml:"organizations" validate:"dive,gt=0"`
}

// SuperAdminSection declares console permissions and leveled roles.
type SuperAdminSection struct {
	Permissions []SuperAdminPermissionConfig `yaml:"permissions" validate:"dive"`
	Roles       []SuperAdminRoleConfig       `yaml:"roles" validate:"dive"`
}

// SuperAdminPermissionConfig declares a console permission by slug.
type SuperAdminPermissionConfig struct {
	Slug   string `yaml:"slug" validate:"required"`
	Name   string `yaml:"name" validate:"required"`
	Module string `yaml:"module" validate:"required"`
	Action string `yaml:"action" validate:"required"`
	Group  string `yaml:"group"`
	Active *bool  `yaml:"active"`
}

// SuperAdminRoleConfig declares a leveled console role by slug.
type SuperAdminRoleConfig struct {
	Slug        string   `yaml:"slug" validate:"required"`
	Name        string   `yaml:"name" validate:"required"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type" validate:"omitempty,oneof=system custom"`
	Default     bool     `yaml:"default"`
	Level       int      `yaml:"level" validate:"gte=0"`
	Active      *bool    `yaml:"active"`
	Permissions []string `yaml:"permissions" validate:"dive,required"`
}

var validate = validator.New()

// Parse decodes and validates a YAML manifest. Unknown keys are rejected so
// typos do not silently drop declarations.
func Parse(r io.Reader) (*Manifest, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks field constraints and cross-references within the
// manifest. Failures are configuration errors.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return storage.NewConfigurationError("manifest", "", "%s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("failed to validate manifest: %w", err)
	}

	ids := make(map[int64]string)
	names := make(map[string]int64)
	for _, role := range m.Platform.Roles {
		if prev, ok := ids[role.ID]; ok {
			return storage.NewConfigurationError("manifest", role.Name, "system role id %d also declared as %q", role.ID, prev)
		}
		key := role.Guard + "/" + role.Name
		if prev, ok := names[key]; ok {
			return storage.NewConfigurationError("manifest", role.Name, "system role name declared for ids %d and %d", prev, role.ID)
		}
		ids[role.ID] = role.Name
		names[key] = role.ID
	}

	slugs := make(map[string]bool)
	for _, role := range m.SuperAdmin.Roles {
		if slugs[role.Slug] {
			return storage.NewConfigurationError("manifest", role.Slug, "super-admin role declared twice")
		}
		slugs[role.Slug] = true
	}

	return nil
}

func (s OrganizationSection) catalogue() []orgroles.Permission {
	if !s.UseDefaultCatalogue {
		return s.Catalogue
	}
	return append(orgroles.DefaultCatalogue(), s.Catalogue...)
}

func (s OrganizationSection) templates() []orgroles.RoleTemplate {
	if !s.UseDefaultTemplates {
		return s.Templates
	}
	return append(orgroles.DefaultTemplates(), s.Templates...)
}

func (s OrganizationSection) concurrency() int {
	if s.Concurrency <= 0 {
		return 4
	}
	return s.Concurrency
}
