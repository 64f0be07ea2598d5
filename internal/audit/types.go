package audit

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/amanthanvi/lockbox/internal/keystore"
	"github.com/amanthanvi/lockbox/internal/storage"
)

var (
	ErrUnknownAction = errors.New("audit: unknown action")
	ErrInvalidEvent  = errors.New("audit: invalid event")
)

type Action string

const (
	ActionVaultInit   Action = "vault.init"
	ActionAuthFailure Action = "auth.failure"

	ActionAccountCreate Action = "account.create"
	ActionAccountUpdate Action = "account.update"
	ActionAccountDelete Action = "account.delete"
	ActionAccountReveal Action = "account.reveal"

	ActionKeyGC Action = "key.gc"

	ActionExportCreate Action = "export.create"
)

var AllActions = []Action{
	ActionVaultInit,
	ActionAuthFailure,
	ActionAccountCreate,
	ActionAccountUpdate,
	ActionAccountDelete,
	ActionAccountReveal,
	ActionKeyGC,
	ActionExportCreate,
}

func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(AllActions, action) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return action, nil
}

// TargetKind names what an event's Target identifies. Every action has
// exactly one kind.
type TargetKind string

const (
	TargetVault   TargetKind = "vault"
	TargetAccount TargetKind = "account"
	TargetKey     TargetKind = "key"
	TargetExport  TargetKind = "export"
)

func (a Action) Kind() TargetKind {
	switch a {
	case ActionAccountCreate, ActionAccountUpdate, ActionAccountDelete, ActionAccountReveal:
		return TargetAccount
	case ActionKeyGC:
		return TargetKey
	case ActionExportCreate:
		return TargetExport
	default:
		return TargetVault
	}
}

type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// ResultOf maps an operation error to the recorded result.
func ResultOf(err error) Result {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// AllAccounts is the target of a reveal that covered every account.
const AllAccounts = "*"

// Details holds identifiers only; none of its fields can carry an account
// value.
type Details struct {
	Field   storage.Field `json:"field,omitempty"`
	KeyIDs  []string      `json:"key_ids,omitempty"`
	Count   int           `json:"count,omitempty"`
	Command string        `json:"command,omitempty"`
}

type Event struct {
	At      time.Time
	Action  Action
	Target  string
	Result  Result
	Details Details
}

// AccountEvent covers create, delete and single-account reveal. keyID may be
// empty when the operation failed before a key was known.
func AccountEvent(action Action, accountID int64, keyID string, err error) Event {
	event := Event{Action: action, Result: ResultOf(err)}
	if accountID > 0 {
		event.Target = strconv.FormatInt(accountID, 10)
	}
	if keyID != "" {
		event.Details.KeyIDs = []string{keyID}
	}
	return event
}

// FieldUpdateEvent records which column changed. An unknown field name is
// not stored, only the failure.
func FieldUpdateEvent(accountID int64, fieldName string, err error) Event {
	event := AccountEvent(ActionAccountUpdate, accountID, "", err)
	if field, parseErr := storage.ParseField(fieldName); parseErr == nil {
		event.Details.Field = field
	}
	return event
}

func RevealAllEvent(count int, err error) Event {
	return Event{
		Action:  ActionAccountReveal,
		Target:  AllAccounts,
		Result:  ResultOf(err),
		Details: Details{Count: count},
	}
}

func KeyGCEvent(removed []string, err error) Event {
	ids := slices.Clone(removed)
	slices.Sort(ids)
	return Event{
		Action:  ActionKeyGC,
		Result:  ResultOf(err),
		Details: Details{KeyIDs: ids, Count: len(ids)},
	}
}

func ExportEvent(exportID string, files int, err error) Event {
	return Event{
		Action:  ActionExportCreate,
		Target:  exportID,
		Result:  ResultOf(err),
		Details: Details{Count: files},
	}
}

func VaultInitEvent(vaultID string) Event {
	return Event{Action: ActionVaultInit, Target: vaultID, Result: ResultSuccess}
}

// AuthFailureEvent names the command that was refused.
func AuthFailureEvent(command string) Event {
	return Event{
		Action:  ActionAuthFailure,
		Result:  ResultError,
		Details: Details{Command: command},
	}
}

func (e Event) validate() error {
	if !slices.Contains(AllActions, e.Action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	if e.Result != ResultSuccess && e.Result != ResultError {
		return fmt.Errorf("%w: result %q", ErrInvalidEvent, e.Result)
	}
	if e.Action.Kind() == TargetAccount && e.Target != "" && e.Target != AllAccounts {
		if id, err := strconv.ParseInt(e.Target, 10, 64); err != nil || id <= 0 {
			return fmt.Errorf("%w: account target %q", ErrInvalidEvent, e.Target)
		}
	}
	for _, keyID := range e.Details.KeyIDs {
		if !keystore.ValidKeyID(keyID) {
			return fmt.Errorf("%w: key id %q", ErrInvalidEvent, keyID)
		}
	}
	return nil
}

type Filter struct {
	Action Action
	Target string
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

type RecordedEvent struct {
	ID        int64      `json:"id"`
	At        time.Time  `json:"at"`
	Action    Action     `json:"action"`
	Kind      TargetKind `json:"kind"`
	Target    string     `json:"target,omitempty"`
	Result    Result     `json:"result"`
	Details   Details    `json:"details"`
	PrevHash  string     `json:"prev_hash"`
	EventHash string     `json:"event_hash"`
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count"`
	ChainTip   string `json:"chain_tip"`
	BrokenAt   int64  `json:"broken_at,omitempty"`
	Error      string `json:"error,omitempty"`
}
