package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/allisson/webpush-kms/internal/kms/domain"
	"github.com/allisson/webpush-kms/internal/kms/usecase"
)

// RunVerifyAuditChain walks the hash chain stamped across every audit entry
// and reports whether the signatures and link hashes are intact.
func RunVerifyAuditChain(
	ctx context.Context,
	kmsUseCase usecase.KMSUseCase,
	logger *slog.Logger,
	writer io.Writer,
	format string,
) error {
	logger.Info("verifying audit chain")

	result, err := kmsUseCase.VerifyAuditChain(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify audit chain: %w", err)
	}

	if format == "json" {
		if err := outputAuditVerifyJSON(writer, result); err != nil {
			return fmt.Errorf("failed to output JSON: %w", err)
		}
	} else {
		outputAuditVerifyText(writer, result)
	}

	logger.Info("audit chain verification completed",
		slog.Bool("valid", result.Valid),
		slog.Int("verified", result.Verified),
		slog.Int("errors", len(result.Errors)),
	)

	if !result.Valid {
		return fmt.Errorf("audit chain integrity check failed: %d error(s)", len(result.Errors))
	}

	return nil
}

func outputAuditVerifyText(writer io.Writer, result *domain.AuditVerifyResult) {
	_, _ = fmt.Fprintf(writer, "Audit Chain Verification\n")
	_, _ = fmt.Fprintf(writer, "=========================\n\n")
	_, _ = fmt.Fprintf(writer, "Entries Verified: %d\n", result.Verified)

	if !result.Valid {
		_, _ = fmt.Fprintf(writer, "\nWARNING: chain verification failed\n\n")
		for _, e := range result.Errors {
			_, _ = fmt.Fprintf(writer, "  - %s\n", e)
		}
		_, _ = fmt.Fprintf(writer, "\nStatus: FAILED\n")
		return
	}

	_, _ = fmt.Fprintf(writer, "\nStatus: PASSED\n")
}

func outputAuditVerifyJSON(writer io.Writer, result *domain.AuditVerifyResult) error {
	jsonBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, _ = fmt.Fprintln(writer, string(jsonBytes))
	return nil
}
