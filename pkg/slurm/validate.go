package slurm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/hpcdash/internal/assets/schemas"
)

// ErrInvalidMetadata wraps every schema violation in a metadata file.
var ErrInvalidMetadata = errors.New("invalid partition metadata")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// MetadataIssue is one schema violation. Path is a JSON pointer.
type MetadataIssue struct {
	Path    string
	Message string
}

func (i MetadataIssue) Error() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

type MetadataIssues []MetadataIssue

func (e MetadataIssues) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d metadata errors:", len(e))
	for _, issue := range e {
		b.WriteString("\n  - ")
		b.WriteString(issue.Error())
	}
	return b.String()
}

func (e MetadataIssues) Unwrap() error { return ErrInvalidMetadata }

func metadataValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.PartitionMetadataSchema) == 0 {
			validatorErr = errors.New("embedded partition metadata schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.PartitionMetadataSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile partition metadata schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// ValidateMetadata checks a decoded metadata document (JSON or YAML,
// decoded into any) against the embedded schema.
func ValidateMetadata(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	v, err := metadataValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("validate partition metadata: %w", err)
	}
	var issues MetadataIssues
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			issues = append(issues, MetadataIssue{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	return issues
}
