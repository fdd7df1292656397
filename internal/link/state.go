package link

import "time"

// Link types. A link's State payload is shaped by its type; the typed
// structs below are the variants, with Map/decode helpers to cross the
// JSON column boundary.
const (
	TypeOrgUser           = "org_user"
	TypeOrgManager        = "org_manager"
	TypeOrgSupervisor     = "org_supervisor"
	TypePeerSupervisor    = "peer_supervisor"
	TypeSAMLAuth          = "saml_auth"
	TypeSAMLAlias         = "saml_alias"
	TypeBoardShare        = "board_share"
	TypeSubscriptionWatch = "subscription_watch"

	// Sub-unit-scoped types; links of these types carry ScopeOrgID and are
	// swept by the cascade when the org_user link is removed.
	TypeUnitUser       = "unit_user"
	TypeUnitSupervisor = "unit_supervisor"
)

// Peer supervision modes.
const (
	ModeEdit         = "edit"
	ModeReadOnly     = "read_only"
	ModeModelingOnly = "modeling_only"
)

// State keys.
const (
	keySponsored   = "sponsored"
	keyPending     = "pending"
	keyEval        = "eval"
	keyAddedAt     = "added_at"
	keyFullManager = "full_manager"
	keyPremium     = "premium"
	keyMode        = "supervision_mode"
)

// OrgUserState is the payload of an org_user link.
type OrgUserState struct {
	Sponsored bool
	Pending   bool
	Eval      bool
	AddedAt   time.Time
}

// Map renders the state as an upsert patch.
func (s OrgUserState) Map() map[string]any {
	return map[string]any{
		keySponsored: s.Sponsored,
		keyPending:   s.Pending,
		keyEval:      s.Eval,
	}
}

// OrgUserStateOf decodes an org_user state payload.
func OrgUserStateOf(state map[string]any) OrgUserState {
	return OrgUserState{
		Sponsored: boolAt(state, keySponsored),
		Pending:   boolAt(state, keyPending),
		Eval:      boolAt(state, keyEval),
		AddedAt:   timeAt(state, keyAddedAt),
	}
}

// OrgManagerState is the payload of an org_manager link. FullManager
// distinguishes a full manager from an assistant; both use this type.
type OrgManagerState struct {
	FullManager bool
}

// Map renders the state as an upsert patch.
func (s OrgManagerState) Map() map[string]any {
	return map[string]any{keyFullManager: s.FullManager}
}

// OrgManagerStateOf decodes an org_manager state payload.
func OrgManagerStateOf(state map[string]any) OrgManagerState {
	return OrgManagerState{FullManager: boolAt(state, keyFullManager)}
}

// OrgSupervisorState is the payload of an org_supervisor link.
type OrgSupervisorState struct {
	Premium bool
	Pending bool
	AddedAt time.Time
}

// Map renders the state as an upsert patch.
func (s OrgSupervisorState) Map() map[string]any {
	return map[string]any{
		keyPremium: s.Premium,
		keyPending: s.Pending,
	}
}

// OrgSupervisorStateOf decodes an org_supervisor state payload.
func OrgSupervisorStateOf(state map[string]any) OrgSupervisorState {
	return OrgSupervisorState{
		Premium: boolAt(state, keyPremium),
		Pending: boolAt(state, keyPending),
		AddedAt: timeAt(state, keyAddedAt),
	}
}

// PeerSupervisorState is the payload of a peer_supervisor link. Mode is one
// of ModeEdit, ModeReadOnly, ModeModelingOnly; an absent mode means ModeEdit.
type PeerSupervisorState struct {
	Mode    string
	AddedAt time.Time
}

// Map renders the state as an upsert patch.
func (s PeerSupervisorState) Map() map[string]any {
	mode := s.Mode
	if mode == "" {
		mode = ModeEdit
	}
	return map[string]any{keyMode: mode}
}

// PeerSupervisorStateOf decodes a peer_supervisor state payload.
func PeerSupervisorStateOf(state map[string]any) PeerSupervisorState {
	mode, _ := state[keyMode].(string)
	if mode == "" {
		mode = ModeEdit
	}
	return PeerSupervisorState{Mode: mode, AddedAt: timeAt(state, keyAddedAt)}
}

func boolAt(state map[string]any, key string) bool {
	v, _ := state[key].(bool)
	return v
}

func timeAt(state map[string]any, key string) time.Time {
	s, _ := state[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
