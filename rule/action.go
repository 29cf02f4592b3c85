package rule

// ActionKind tags the variant carried by an Action, mirroring the
// kebab-case action names used in rule files (reject, redirect,
// modify-request, modify-response, log-req, log-res, js).
type ActionKind string

const (
	ActionReject         ActionKind = "reject"
	ActionRedirect       ActionKind = "redirect"
	ActionModifyRequest  ActionKind = "modify-request"
	ActionModifyResponse ActionKind = "modify-response"
	ActionLogRequest     ActionKind = "log-req"
	ActionLogResponse    ActionKind = "log-res"
	ActionScript         ActionKind = "js"
)

// Action is one mutation or decision contributed by a matched rule.
// At most one of the payload fields is populated, selected by Kind.
type Action struct {
	Kind ActionKind

	// Redirect target, set when Kind == ActionRedirect.
	RedirectTo string

	// Modify payload, set when Kind is ActionModifyRequest or
	// ActionModifyResponse.
	Modify *Modify

	// Script source, set when Kind == ActionScript.
	Script string
}

// Reject returns a Reject action.
func Reject() Action { return Action{Kind: ActionReject} }

// Redirect returns a Redirect action targeting url.
func Redirect(url string) Action { return Action{Kind: ActionRedirect, RedirectTo: url} }

// ModifyRequestAction returns a ModifyRequest action.
func ModifyRequestAction(m Modify) Action { return Action{Kind: ActionModifyRequest, Modify: &m} }

// ModifyResponseAction returns a ModifyResponse action.
func ModifyResponseAction(m Modify) Action { return Action{Kind: ActionModifyResponse, Modify: &m} }

// LogRequest returns a LogRequest action.
func LogRequest() Action { return Action{Kind: ActionLogRequest} }

// LogResponse returns a LogResponse action.
func LogResponse() Action { return Action{Kind: ActionLogResponse} }

// ScriptAction returns a Script action running src.
func ScriptAction(src string) Action { return Action{Kind: ActionScript, Script: src} }

// HeaderOp is one named mutation applied to a header set.
type HeaderOp struct {
	// Name selects the header to operate on, by exact name or — when
	// Pattern is true — by regular expression over header names.
	Name    string
	Pattern bool

	Op    HeaderOpKind
	Value string
}

// HeaderOpKind selects how a HeaderOp mutates a header set.
type HeaderOpKind string

const (
	HeaderAdd     HeaderOpKind = "add"
	HeaderRemove  HeaderOpKind = "remove"
	HeaderReplace HeaderOpKind = "replace"
)

// BodyOp is a body mutation: replace the whole body, or substitute a
// pattern within it.
type BodyOp struct {
	Replace *string

	// Pattern/With implement a find-and-replace over the body when set and
	// Replace is nil (if both are present, Replace wins and Pattern/With
	// are ignored).
	Pattern string
	With    string
}

// Modify is the declarative set of header and body mutations carried by a
// ModifyRequest/ModifyResponse action.
type Modify struct {
	Headers []HeaderOp
	Body    *BodyOp
}

// RequiresBody reports whether applying m needs the message body
// materialized in memory (as opposed to streamed through unmodified).
func (m *Modify) RequiresBody() bool {
	return m != nil && m.Body != nil
}
