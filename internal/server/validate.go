package server

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/models"
)

// structValidator checks ingest payloads against the struct tags on
// models.IngestBatch.
type structValidator struct {
	validate *validator.Validate
}

// NewSchemaValidator returns the default SchemaValidator. A single validator
// instance is kept because it caches struct parsing.
func NewSchemaValidator() SchemaValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &structValidator{validate: validate}
}

// Parse decodes syntactically valid JSON into a batch. Schema violations are
// reported as issues; the error is reserved for validator misuse.
func (v *structValidator) Parse(data []byte) (models.IngestBatch, []Issue, error) {
	var batch models.IngestBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		var typeErr *json.UnmarshalTypeError
		if xerrors.As(err, &typeErr) {
			return models.IngestBatch{}, []Issue{{
				Path:    issuePath(typeErr.Field),
				Message: fmt.Sprintf("expected %s, received %s", typeErr.Type, typeErr.Value),
			}}, nil
		}
		return models.IngestBatch{}, nil, xerrors.Errorf("decode batch: %w", err)
	}

	err := v.validate.Struct(batch)
	var validationErrors validator.ValidationErrors
	if xerrors.As(err, &validationErrors) {
		issues := make([]Issue, 0, len(validationErrors))
		for _, validationError := range validationErrors {
			issues = append(issues, Issue{
				Path:    issuePath(trimNamespace(validationError.Namespace())),
				Message: describe(validationError),
			})
		}
		return models.IngestBatch{}, issues, nil
	}
	if err != nil {
		return models.IngestBatch{}, nil, xerrors.Errorf("validate batch: %w", err)
	}
	return batch, nil, nil
}

// trimNamespace drops the root struct name: "IngestBatch.events[0].metric"
// becomes "events[0].metric".
func trimNamespace(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func issuePath(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "datetime":
		return "must be an ISO 8601 timestamp"
	case "max":
		return fmt.Sprintf("must not exceed %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
