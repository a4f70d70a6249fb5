package rpc

import (
	"context"
	"errors"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/service"
	"github.com/allisson/webpush-kms/internal/kms/usecase"
)

// Dispatcher maps a Request's method to its typed handler. The method table
// is a closed enum: Dispatch's switch must be exhaustive, never reflection-based.
type Dispatcher struct {
	uc usecase.KMSUseCase
}

// NewDispatcher builds a Dispatcher over uc.
func NewDispatcher(uc usecase.KMSUseCase) *Dispatcher {
	return &Dispatcher{uc: uc}
}

// Dispatch decodes req.Params per req.Method, invokes the matching use case
// method, and wraps the outcome. Unknown methods return "Unknown RPC method".
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	m, err := decodeRaw(req.Method, req.Params)
	if err != nil {
		return errResponse(req.ID, err)
	}

	switch req.Method {
	case "setupPassphrase":
		return d.setupPassphrase(ctx, req.ID, m)
	case "setupPasskeyPRF":
		return d.setupPasskeyPRF(ctx, req.ID, m)
	case "setupPasskeyGate":
		return d.setupPasskeyGate(ctx, req.ID, m)
	case "addEnrollment":
		return d.addEnrollment(ctx, req.ID, m)
	case "removeEnrollment":
		return d.removeEnrollment(ctx, req.ID, m)
	case "generateVAPID":
		return d.generateVAPID(ctx, req.ID, m)
	case "regenerateVAPID":
		return d.regenerateVAPID(ctx, req.ID, m)
	case "signJWT":
		return d.signJWT(ctx, req.ID, m)
	case "createLease":
		return d.createLease(ctx, req.ID, m)
	case "verifyLease":
		return d.verifyLease(ctx, req.ID, m)
	case "issueVAPIDJWT":
		return d.issueVAPIDJWT(ctx, req.ID, m)
	case "issueVAPIDJWTs":
		return d.issueVAPIDJWTs(ctx, req.ID, m)
	case "extendLeases":
		return d.extendLeases(ctx, req.ID, m)
	case "getPublicKey":
		return d.getPublicKey(ctx, req.ID, m)
	case "getAuditPublicKey":
		return d.getAuditPublicKey(ctx, req.ID)
	case "verifyAuditChain":
		return d.verifyAuditChain(ctx, req.ID)
	case "getAuditLog":
		return d.getAuditLog(ctx, req.ID)
	case "isSetup":
		return d.isSetup(ctx, req.ID, m)
	case "getEnrollments":
		return d.getEnrollments(ctx, req.ID, m)
	case "resetKMS":
		return d.resetKMS(ctx, req.ID, m)
	default:
		return errResponse(req.ID, errors.New("Unknown RPC method"))
	}
}

func (d *Dispatcher) setupPassphrase(ctx context.Context, id string, m map[string]any) Response {
	userID, err := requiredString(m, "setupPassphrase", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	passphrase, err := requiredString(m, "setupPassphrase", "passphrase")
	if err != nil {
		return errResponse(id, err)
	}
	enrollmentID, err := d.uc.SetupPassphrase(ctx, userID, passphrase)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true, "enrollmentId": enrollmentID})
}

func (d *Dispatcher) setupPasskeyPRF(ctx context.Context, id string, m map[string]any) Response {
	userID, err := requiredString(m, "setupPasskeyPRF", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	credentialID, err := requiredBytes(m, "setupPasskeyPRF", "credentialId")
	if err != nil {
		return errResponse(id, err)
	}
	prfOutput, err := requiredBytes(m, "setupPasskeyPRF", "prfOutput")
	if err != nil {
		return errResponse(id, err)
	}
	rpID, err := optionalString(m, "setupPasskeyPRF", "rpId")
	if err != nil {
		return errResponse(id, err)
	}
	enrollmentID, err := d.uc.SetupPasskeyPRF(ctx, userID, credentialID, rpID, prfOutput)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true, "enrollmentId": enrollmentID})
}

func (d *Dispatcher) setupPasskeyGate(ctx context.Context, id string, m map[string]any) Response {
	userID, err := requiredString(m, "setupPasskeyGate", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	credentialID, err := requiredBytes(m, "setupPasskeyGate", "credentialId")
	if err != nil {
		return errResponse(id, err)
	}
	rpID, err := optionalString(m, "setupPasskeyGate", "rpId")
	if err != nil {
		return errResponse(id, err)
	}
	enrollmentID, err := d.uc.SetupPasskeyGate(ctx, userID, credentialID, rpID)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true, "enrollmentId": enrollmentID})
}

func (d *Dispatcher) addEnrollment(ctx context.Context, id string, m map[string]any) Response {
	creds, err := requiredCredentials(m, "addEnrollment")
	if err != nil {
		return errResponse(id, err)
	}
	newMethod, err := requiredString(m, "addEnrollment", "method")
	if err != nil {
		return errResponse(id, err)
	}
	newCreds, ok := m["newCredentials"].(map[string]any)
	if !ok {
		return errResponse(id, &RPCValidationError{Method: "addEnrollment", Param: "newCredentials", Expected: "object", Received: goTypeName(m["newCredentials"])})
	}
	passphrase, _ := optionalString(newCreds, "addEnrollment", "passphrase")
	credentialID, _ := optionalBytes(newCreds, "addEnrollment", "credentialId")
	prfOutput, _ := optionalBytes(newCreds, "addEnrollment", "prfOutput")
	rpID, _ := optionalString(newCreds, "addEnrollment", "rpId")

	enrollmentID, err := d.uc.AddEnrollment(ctx, creds, domain.Method(newMethod), usecase.AddEnrollmentInput{
		Passphrase:   passphrase,
		CredentialID: credentialID,
		RPID:         rpID,
		PRFOutput:    prfOutput,
	})
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true, "enrollmentId": enrollmentID})
}

func (d *Dispatcher) removeEnrollment(ctx context.Context, id string, m map[string]any) Response {
	enrollmentID, err := requiredString(m, "removeEnrollment", "enrollmentId")
	if err != nil {
		return errResponse(id, err)
	}
	creds, err := requiredCredentials(m, "removeEnrollment")
	if err != nil {
		return errResponse(id, err)
	}
	if err := d.uc.RemoveEnrollment(ctx, creds, enrollmentID); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true})
}

func (d *Dispatcher) generateVAPID(ctx context.Context, id string, m map[string]any) Response {
	creds, err := requiredCredentials(m, "generateVAPID")
	if err != nil {
		return errResponse(id, err)
	}
	key, err := d.uc.GenerateVAPID(ctx, creds, id)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, vapidResult(key))
}

func (d *Dispatcher) regenerateVAPID(ctx context.Context, id string, m map[string]any) Response {
	creds, err := requiredCredentials(m, "regenerateVAPID")
	if err != nil {
		return errResponse(id, err)
	}
	key, err := d.uc.RegenerateVAPID(ctx, creds, id)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, vapidResult(key))
}

func vapidResult(key *service.VAPIDKey) map[string]any {
	return map[string]any{"kid": key.Kid, "publicKey": key.PublicKey}
}

func (d *Dispatcher) signJWT(ctx context.Context, id string, m map[string]any) Response {
	kid, err := requiredString(m, "signJWT", "kid")
	if err != nil {
		return errResponse(id, err)
	}
	aud, sub, exp, jti, err := requiredPayload(m, "signJWT")
	if err != nil {
		return errResponse(id, err)
	}
	creds, err := requiredCredentials(m, "signJWT")
	if err != nil {
		return errResponse(id, err)
	}
	jwt, err := d.uc.SignJWT(ctx, kid, service.JWTPayload{Aud: aud, Sub: sub, Exp: exp, Jti: jti}, creds, id)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"jwt": jwt})
}

func (d *Dispatcher) createLease(ctx context.Context, id string, m map[string]any) Response {
	if _, err := requiredString(m, "createLease", "userId"); err != nil {
		return errResponse(id, err)
	}
	subs, err := optionalSubs(m, "createLease", "subs")
	if err != nil {
		return errResponse(id, err)
	}
	ttlHours, err := requiredNumber(m, "createLease", "ttlHours")
	if err != nil {
		return errResponse(id, err)
	}
	creds, err := requiredCredentials(m, "createLease")
	if err != nil {
		return errResponse(id, err)
	}
	quotas, err := optionalQuotas(m, "createLease", "quotas")
	if err != nil {
		return errResponse(id, err)
	}
	autoExtend := optionalBool(m, "autoExtend", false)

	lease, err := d.uc.CreateLease(ctx, creds, id, subs, ttlHours, autoExtend, quotas)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{
		"leaseId":    lease.LeaseID,
		"exp":        lease.Exp,
		"quotas":     lease.Quotas,
		"autoExtend": lease.AutoExtend,
		"kid":        lease.Kid,
	})
}

func (d *Dispatcher) verifyLease(ctx context.Context, id string, m map[string]any) Response {
	leaseID, err := requiredString(m, "verifyLease", "leaseId")
	if err != nil {
		return errResponse(id, err)
	}
	result, err := d.uc.VerifyLease(ctx, leaseID)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, result)
}

func (d *Dispatcher) issueVAPIDJWT(ctx context.Context, id string, m map[string]any) Response {
	leaseID, err := requiredString(m, "issueVAPIDJWT", "leaseId")
	if err != nil {
		return errResponse(id, err)
	}
	kid, err := optionalString(m, "issueVAPIDJWT", "kid")
	if err != nil {
		return errResponse(id, err)
	}
	eid, err := optionalString(m, "issueVAPIDJWT", "endpoint")
	if err != nil {
		return errResponse(id, err)
	}
	creds, err := requiredCredentials(m, "issueVAPIDJWT")
	if err != nil {
		return errResponse(id, err)
	}
	issued, err := d.uc.IssueVAPIDJWT(ctx, creds, id, leaseID, kid, eid)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, issuedResult(issued))
}

func (d *Dispatcher) issueVAPIDJWTs(ctx context.Context, id string, m map[string]any) Response {
	leaseID, err := requiredString(m, "issueVAPIDJWTs", "leaseId")
	if err != nil {
		return errResponse(id, err)
	}
	kid, err := optionalString(m, "issueVAPIDJWTs", "kid")
	if err != nil {
		return errResponse(id, err)
	}
	eid, err := optionalString(m, "issueVAPIDJWTs", "endpoint")
	if err != nil {
		return errResponse(id, err)
	}
	countF, err := requiredNumber(m, "issueVAPIDJWTs", "count")
	if err != nil {
		return errResponse(id, err)
	}
	creds, err := requiredCredentials(m, "issueVAPIDJWTs")
	if err != nil {
		return errResponse(id, err)
	}
	batch, err := d.uc.IssueVAPIDJWTs(ctx, creds, id, leaseID, kid, eid, int(countF))
	if err != nil {
		return errResponse(id, err)
	}
	results := make([]map[string]any, 0, len(batch))
	for _, issued := range batch {
		results = append(results, issuedResult(issued))
	}
	return okResponse(id, results)
}

func issuedResult(issued *service.IssuedJWT) map[string]any {
	return map[string]any{"jwt": issued.JWT, "jti": issued.Jti, "exp": issued.Exp}
}

func (d *Dispatcher) extendLeases(ctx context.Context, id string, m map[string]any) Response {
	leaseIDs, err := optionalStringSlice(m, "extendLeases", "leaseIds")
	if err != nil {
		return errResponse(id, err)
	}
	userID, err := requiredString(m, "extendLeases", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	requestAuth := optionalBool(m, "requestAuth", false)
	creds, err := optionalCredentials(m, "extendLeases")
	if err != nil {
		return errResponse(id, err)
	}
	outcomes, err := d.uc.ExtendLeases(ctx, id, leaseIDs, userID, requestAuth, creds)
	if err != nil {
		return errResponse(id, err)
	}
	extended, skipped := 0, 0
	for _, o := range outcomes {
		if o.Status == "extended" {
			extended++
		} else {
			skipped++
		}
	}
	return okResponse(id, map[string]any{"results": outcomes, "extended": extended, "skipped": skipped})
}

func (d *Dispatcher) getPublicKey(ctx context.Context, id string, m map[string]any) Response {
	kid, err := requiredString(m, "getPublicKey", "kid")
	if err != nil {
		return errResponse(id, err)
	}
	pub, err := d.uc.GetPublicKey(ctx, kid)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"publicKey": pub})
}

func (d *Dispatcher) getAuditPublicKey(ctx context.Context, id string) Response {
	pub, err := d.uc.GetAuditPublicKey(ctx)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"publicKey": pub})
}

func (d *Dispatcher) verifyAuditChain(ctx context.Context, id string) Response {
	result, err := d.uc.VerifyAuditChain(ctx)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, result)
}

func (d *Dispatcher) getAuditLog(ctx context.Context, id string) Response {
	entries, err := d.uc.GetAuditLog(ctx)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"entries": entries})
}

func (d *Dispatcher) isSetup(ctx context.Context, id string, m map[string]any) Response {
	userID, err := optionalString(m, "isSetup", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	setup, err := d.uc.IsSetup(ctx, userID)
	if err != nil {
		return errResponse(id, err)
	}
	recs, err := d.uc.GetEnrollments(ctx, userID)
	if err != nil {
		return errResponse(id, err)
	}
	methods := make([]string, 0, len(recs))
	for _, rec := range recs {
		methods = append(methods, string(rec.Method))
	}
	return okResponse(id, map[string]any{"isSetup": setup, "methods": methods})
}

func (d *Dispatcher) getEnrollments(ctx context.Context, id string, m map[string]any) Response {
	userID, err := optionalString(m, "getEnrollments", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	recs, err := d.uc.GetEnrollments(ctx, userID)
	if err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"enrollments": recs})
}

func (d *Dispatcher) resetKMS(ctx context.Context, id string, m map[string]any) Response {
	userID, err := optionalString(m, "resetKMS", "userId")
	if err != nil {
		return errResponse(id, err)
	}
	if err := d.uc.ResetKMS(ctx, userID); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"success": true})
}
