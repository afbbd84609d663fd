package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Reactive errors (E100-E199)
	// ============================================

	"E101": {
		Category: CategoryReactive,
		Message:  "potential infinite loop detected",
		Detail:   "More than one million computations executed in a single flush. A signal written from a computation that observes it will do this.",
	},

	// ============================================
	// Render / registry errors (E200-E299)
	// ============================================

	"E201": {
		Category:   CategoryResource,
		Message:    "component with a managed instance has no key",
		Detail:     "Instance IDs are derived from the component path, and every path segment that carries an instance needs a user-supplied key to stay deterministic.",
		Suggestion: "Pass a key when constructing the element, e.g. tree.H(Database, tree.Props{...}).WithKey(\"primary\").",
	},
	"E202": {
		Category:   CategoryResource,
		Message:    "duplicate instance ID",
		Detail:     "Two distinct component paths derived the same instance ID in one render pass.",
		Suggestion: "Give the colliding components distinct keys.",
	},
	"E203": {
		Category: CategoryResource,
		Message:  "managed instance registered twice in one component",
		Detail:   "A component may declare at most one managed instance per execution.",
	},
	"E204": {
		Category: CategoryRender,
		Message:  "resource hook called outside a render pass",
		Detail:   "UseResource only works while a component is executing under a runtime.",
	},

	// ============================================
	// Deployment errors (E300-E399)
	// ============================================

	"E301": {
		Category: CategoryDeploy,
		Message:  "dependency cycle between instances",
		Detail:   "The output/prop reference graph contains a cycle, so no deployment order exists.",
	},
	"E302": {
		Category: CategoryDeploy,
		Message:  "deployment execution cap exceeded",
		Detail:   "The cascading executor launched more handler runs than the safety cap allows.",
	},

	// ============================================
	// State / backend errors (E400-E499)
	// ============================================

	"E401": {
		Category: CategoryState,
		Message:  "stack is locked",
		Detail:   "Another holder owns the advisory lock for this stack.",
	},
	"E402": {
		Category: CategoryState,
		Message:  "state blob is corrupt",
		Detail:   "The persisted deployment state could not be decoded.",
	},
}
