package domain

import (
	"encoding/json"
	"fmt"

	"posplatform/internal/common/apperror"
)

// ActionType discriminates the Action variants.
type ActionType string

const (
	ActionNone           ActionType = "none"
	ActionRedirectURL    ActionType = "redirect_url"
	ActionQRPayload      ActionType = "qr_payload"
	ActionTerminalAction ActionType = "terminal_action"
)

// Action tells the POS client what it must do to complete the payment.
// Exactly one payload field is set, matching Type.
type Action struct {
	Type        ActionType
	URL         string
	Payload     string
	Instruction string
}

// NoAction returns the empty action.
func NoAction() Action { return Action{Type: ActionNone} }

// RedirectURL sends the customer to a hosted payment page.
func RedirectURL(url string) Action { return Action{Type: ActionRedirectURL, URL: url} }

// QRPayload is rendered as a QR code for the customer to scan.
func QRPayload(payload string) Action { return Action{Type: ActionQRPayload, Payload: payload} }

// TerminalAction is shown to the cashier operating a card terminal.
func TerminalAction(instruction string) Action {
	return Action{Type: ActionTerminalAction, Instruction: instruction}
}

// Validate checks that the variant carries its payload.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNone:
		return nil
	case ActionRedirectURL:
		if a.URL == "" {
			return apperror.Validation("redirect_url action requires url")
		}
	case ActionQRPayload:
		if a.Payload == "" {
			return apperror.Validation("qr_payload action requires payload")
		}
	case ActionTerminalAction:
		if a.Instruction == "" {
			return apperror.Validation("terminal_action action requires instruction")
		}
	default:
		return apperror.Validation("unknown action type %q", a.Type)
	}
	return nil
}

type actionJSON struct {
	Type        ActionType `json:"type"`
	URL         string     `json:"url,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
}

// MarshalJSON emits only the field belonging to the variant.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.Type == "" {
		a = NoAction()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := actionJSON{Type: a.Type}
	switch a.Type {
	case ActionRedirectURL:
		out.URL = a.URL
	case ActionQRPayload:
		out.Payload = a.Payload
	case ActionTerminalAction:
		out.Instruction = a.Instruction
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates a stored or received action.
func (a *Action) UnmarshalJSON(data []byte) error {
	var in actionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding action: %w", err)
	}
	if in.Type == "" {
		in.Type = ActionNone
	}
	decoded := Action{Type: in.Type}
	switch in.Type {
	case ActionRedirectURL:
		decoded.URL = in.URL
	case ActionQRPayload:
		decoded.Payload = in.Payload
	case ActionTerminalAction:
		decoded.Instruction = in.Instruction
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*a = decoded
	return nil
}
