package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/validation"
)

// decodeRaw unmarshals a method's params into a generic field map so each
// typed decoder below can report the exact received JSON type on mismatch.
func decodeRaw(method string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &RPCValidationError{Method: method, Param: "params", Expected: "object", Received: jsonTypeName(raw)}
	}
	return m, nil
}

func jsonTypeName(raw json.RawMessage) string {
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return "invalid JSON"
	}
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "object"
	}
}

func goTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func requiredString(m map[string]any, method, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", &RPCValidationError{Method: method, Param: key, Expected: "string"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &RPCValidationError{Method: method, Param: key, Expected: "string", Received: goTypeName(v)}
	}
	return s, nil
}

func optionalString(m map[string]any, method, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &RPCValidationError{Method: method, Param: key, Expected: "string", Received: goTypeName(v)}
	}
	return s, nil
}

func requiredBytes(m map[string]any, method, key string) ([]byte, error) {
	s, err := requiredString(m, method, key)
	if err != nil {
		return nil, err
	}
	b, decErr := decodeBytes(s)
	if decErr != nil {
		return nil, &RPCValidationError{Method: method, Param: key, Expected: "base64url bytes", Received: "unparseable string"}
	}
	return b, nil
}

func optionalBytes(m map[string]any, method, key string) ([]byte, error) {
	s, err := optionalString(m, method, key)
	if err != nil || s == "" {
		return nil, err
	}
	b, decErr := decodeBytes(s)
	if decErr != nil {
		return nil, &RPCValidationError{Method: method, Param: key, Expected: "base64url bytes", Received: "unparseable string"}
	}
	return b, nil
}

func decodeBytes(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func requiredNumber(m map[string]any, method, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, &RPCValidationError{Method: method, Param: key, Expected: "number"}
	}
	f, ok := v.(float64)
	if !ok {
		return 0, &RPCValidationError{Method: method, Param: key, Expected: "number", Received: goTypeName(v)}
	}
	return f, nil
}

func optionalBool(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func requiredCredentials(m map[string]any, method string) (domain.Credentials, error) {
	sub, ok := m["credentials"].(map[string]any)
	if !ok {
		return domain.Credentials{}, &RPCValidationError{Method: method, Param: "credentials", Expected: "object", Received: goTypeName(m["credentials"])}
	}
	methodName, err := requiredString(sub, method, "method")
	if err != nil {
		return domain.Credentials{}, err
	}
	userID, err := requiredString(sub, method, "userId")
	if err != nil {
		return domain.Credentials{}, err
	}
	passphrase, _ := optionalString(sub, method, "passphrase")
	credID, _ := optionalBytes(sub, method, "credentialId")
	prf, _ := optionalBytes(sub, method, "prfOutput")
	rpID, _ := optionalString(sub, method, "rpId")

	return domain.Credentials{
		Method:       domain.Method(methodName),
		UserID:       userID,
		Passphrase:   passphrase,
		CredentialID: credID,
		PRFOutput:    prf,
		RPID:         rpID,
	}, nil
}

// optionalCredentials is requiredCredentials for params where credentials
// are only conditionally mandatory (extendLeases' autoExtend-gated auth).
// Returns nil, nil when the caller omitted the field entirely.
func optionalCredentials(m map[string]any, method string) (*domain.Credentials, error) {
	if m["credentials"] == nil {
		return nil, nil
	}
	creds, err := requiredCredentials(m, method)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func optionalSubs(m map[string]any, method, key string) ([]domain.Sub, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &RPCValidationError{Method: method, Param: key, Expected: "array", Received: goTypeName(raw)}
	}
	subs := make([]domain.Sub, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &RPCValidationError{Method: method, Param: fmt.Sprintf("%s[%d]", key, i), Expected: "object", Received: goTypeName(item)}
		}
		url, err := requiredString(obj, method, "url")
		if err != nil {
			return nil, err
		}
		aud, err := requiredString(obj, method, "aud")
		if err != nil {
			return nil, err
		}
		eid, err := requiredString(obj, method, "eid")
		if err != nil {
			return nil, err
		}
		sub := domain.Sub{URL: url, Aud: aud, Eid: eid}
		if err := sub.Validate(); err != nil {
			wrapped := validation.WrapValidationError(err)
			return nil, &RPCValidationError{Method: method, Param: fmt.Sprintf("%s[%d]", key, i), Expected: "well-formed subscription", Received: wrapped.Error()}
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func optionalStringSlice(m map[string]any, method, key string) ([]string, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &RPCValidationError{Method: method, Param: key, Expected: "array", Received: goTypeName(raw)}
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, &RPCValidationError{Method: method, Param: fmt.Sprintf("%s[%d]", key, i), Expected: "string", Received: goTypeName(item)}
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalQuotas(m map[string]any, method, key string) (*domain.Quotas, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &RPCValidationError{Method: method, Param: key, Expected: "object", Received: goTypeName(raw)}
	}
	q := domain.DefaultQuotas
	if v, ok := obj["tokensPerHour"].(float64); ok {
		q.TokensPerHour = int(v)
	}
	if v, ok := obj["sendsPerMinute"].(float64); ok {
		q.SendsPerMinute = int(v)
	}
	if v, ok := obj["burstSends"].(float64); ok {
		q.BurstSends = int(v)
	}
	if v, ok := obj["sendsPerMinutePerEid"].(float64); ok {
		q.SendsPerMinutePerEid = int(v)
	}
	return &q, nil
}

func requiredPayload(m map[string]any, method string) (aud, sub string, exp int64, jti string, err error) {
	raw, ok := m["payload"].(map[string]any)
	if !ok {
		return "", "", 0, "", &RPCValidationError{Method: method, Param: "payload", Expected: "object", Received: goTypeName(m["payload"])}
	}
	aud, err = requiredString(raw, method, "aud")
	if err != nil {
		return "", "", 0, "", err
	}
	sub, err = requiredString(raw, method, "sub")
	if err != nil {
		return "", "", 0, "", err
	}
	expF, err := requiredNumber(raw, method, "exp")
	if err != nil {
		return "", "", 0, "", err
	}
	jti, _ = optionalString(raw, method, "jti")
	return aud, sub, int64(expF), jti, nil
}
