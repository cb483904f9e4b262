package validator

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"fraud_scorer/internal/domain"
)

var (
	ErrMissingFeatures = errors.New("features are required")
	ErrNonFinite       = errors.New("features must be finite float32 numbers")
)

// FieldError is one structural problem with a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// PredictRequest is the body of POST /predict. Elements are pointers so that
// a JSON null is reported instead of read as zero.
type PredictRequest struct {
	Features []*float64 `json:"features" validate:"required,min=1,dive,required"`
}

func NewPredictRequest(features []float64) PredictRequest {
	req := PredictRequest{Features: make([]*float64, len(features))}
	for i := range features {
		req.Features[i] = &features[i]
	}
	return req
}

// Values returns the features by value. Call only after ValidateRequest passes.
func (r PredictRequest) Values() []float64 {
	out := make([]float64, len(r.Features))
	for i, f := range r.Features {
		if f != nil {
			out[i] = *f
		}
	}
	return out
}

type FeatureValidator struct {
	validate *validator.Validate
}

func NewFeatureValidator() *FeatureValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &FeatureValidator{validate: v}
}

// ValidateRequest checks the request shape and returns per-field details.
func (v *FeatureValidator) ValidateRequest(req PredictRequest) []FieldError {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "features", Message: err.Error(), Type: "invalid"}}
	}

	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
			Type:    fe.Tag(),
		})
	}
	return details
}

// ValidateFeatures checks a vector against the model's input width.
func (v *FeatureValidator) ValidateFeatures(features []float64, width int) error {
	if len(features) == 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidFeatures, ErrMissingFeatures)
	}
	if len(features) != width {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrFeatureCount, len(features), width)
	}
	// the model reads float32, where anything past MaxFloat32 becomes Inf
	for i, f := range features {
		if math.IsNaN(f) || math.Abs(f) > math.MaxFloat32 {
			return fmt.Errorf("%w: %w at index %d", domain.ErrInvalidFeatures, ErrNonFinite, i)
		}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if strings.Contains(fe.Field(), "[") {
			return "Value must be a number"
		}
		return "This field is required"
	case "min":
		return "At least " + fe.Param() + " value is required"
	default:
		return "Invalid value"
	}
}

// Summary joins field errors into one line for an error response.
func Summary(details []FieldError) string {
	parts := make([]string, len(details))
	for i, d := range details {
		parts[i] = d.Field + ": " + d.Message
	}
	return strings.Join(parts, "; ")
}
