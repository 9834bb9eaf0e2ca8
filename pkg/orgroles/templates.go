package orgroles

// Catalogue categories.
const (
	CategoryCourses  = "courses"
	CategorySessions = "sessions"
	CategoryContent  = "content"
	CategoryFinance  = "finance"
	CategoryQuality  = "quality"
	CategoryAdmin    = "administration"
)

// DefaultCatalogue returns the built-in organization permission catalogue.
func DefaultCatalogue() []Permission {
	return []Permission{
		{Name: "organization.courses.view", DisplayName: "View courses", Category: CategoryCourses},
		{Name: "organization.courses.manage", DisplayName: "Manage courses", Category: CategoryCourses},
		{Name: "organization.sessions.view", DisplayName: "View sessions", Category: CategorySessions},
		{Name: "organization.sessions.manage", DisplayName: "Manage sessions", Category: CategorySessions},
		{Name: "organization.sessions.attendance", DisplayName: "Record attendance", Category: CategorySessions},
		{Name: "organization.content.view", DisplayName: "View content", Category: CategoryContent},
		{Name: "organization.content.edit", DisplayName: "Edit content", Category: CategoryContent},
		{Name: "organization.invoices.view", DisplayName: "View invoices", Category: CategoryFinance},
		{Name: "organization.invoices.manage", DisplayName: "Manage invoices", Category: CategoryFinance},
		{Name: "organization.quality.review", DisplayName: "Review quality reports", Category: CategoryQuality},
		{Name: "organization.quality.view", DisplayName: "View quality reports", Category: CategoryQuality},
		{Name: "organization.roles.view", DisplayName: "View roles", Category: CategoryAdmin},
		{Name: "organization.roles.manage", DisplayName: "Manage roles", Category: CategoryAdmin},
		{Name: "organization.members.manage", DisplayName: "Manage members", Category: CategoryAdmin},
	}
}

// DefaultTemplates returns the roles every organization starts with.
func DefaultTemplates() []RoleTemplate {
	return []RoleTemplate{
		{
			Name:        "Content Writer",
			Description: "Authors course content",
			Permissions: []string{"organization.courses.view", "organization.content.view", "organization.content.edit"},
		},
		{
			Name:        "Accountant",
			Description: "Handles invoicing",
			Permissions: []string{"organization.invoices.view", "organization.invoices.manage"},
		},
		{
			Name:        "Administrative Manager",
			Description: "Runs the organization",
			Permissions: []string{
				"organization.courses.view", "organization.courses.manage",
				"organization.sessions.view",
				"organization.roles.view", "organization.roles.manage",
				"organization.members.manage",
			},
		},
		{
			Name:        "Quality Referee",
			Description: "Reviews training quality",
			Permissions: []string{"organization.quality.view", "organization.quality.review", "organization.sessions.view"},
		},
		{
			Name:        "Client",
			Description: "Customer contact",
			Permissions: []string{"organization.courses.view", "organization.invoices.view"},
		},
		{
			Name:        "Quality Guest",
			Description: "Read-only access to quality reports",
			Permissions: []string{"organization.quality.view"},
		},
	}
}
