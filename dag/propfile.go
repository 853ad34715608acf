package dag

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kbukum/condflow/artifact"
	apperrors "github.com/kbukum/condflow/errors"
)

// PropertyFileReader extracts scalars from JSON reports stored in a run.
type PropertyFileReader struct {
	store *artifact.Store
}

// NewPropertyFileReader reads reports from store.
func NewPropertyFileReader(store *artifact.Store) *PropertyFileReader {
	return &PropertyFileReader{store: store}
}

// Read fetches the report named by pf and extracts the field at pf.Path.
func (r *PropertyFileReader) Read(ctx context.Context, pf PropertyFile) (Scalar, error) {
	data, err := r.store.Get(ctx, artifact.Key{StepID: pf.StepID, Output: pf.Output})
	if err != nil {
		return Scalar{}, err
	}
	s, err := ExtractScalar(data, pf.Path)
	switch {
	case err == nil:
		return s, nil
	case apperrors.IsCode(err, apperrors.ErrCodeMalformedReport):
		return Scalar{}, apperrors.MalformedReport(pf.StepID, pf.Output)
	case apperrors.IsCode(err, apperrors.ErrCodeFieldNotFound):
		return Scalar{}, apperrors.FieldNotFound(pf.Path).WithDetails(map[string]any{"step": pf.StepID, "output": pf.Output})
	}
	return Scalar{}, err
}

// ExtractScalar parses data as JSON and returns the scalar at the
// dot-delimited path.
func ExtractScalar(data []byte, path string) (Scalar, error) {
	if !gjson.ValidBytes(data) {
		return Scalar{}, apperrors.New(apperrors.ErrCodeMalformedReport, "report is not valid JSON", http.StatusUnprocessableEntity)
	}
	res := gjson.GetBytes(data, gjsonPath(path))
	switch res.Type {
	case gjson.Number:
		return Number(res.Num), nil
	case gjson.String:
		return String(res.Str), nil
	case gjson.True:
		return Bool(true), nil
	case gjson.False:
		return Bool(false), nil
	}
	return Scalar{}, apperrors.FieldNotFound(path)
}

// gjsonPath escapes each segment so that only dots act as separators.
func gjsonPath(path string) string {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = gjson.Escape(seg)
	}
	return strings.Join(segments, ".")
}
