package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

// Schema profiles understood by the scheduler.
var SchemaProfiles = []string{
	"medcat-nested-object",
	"gate-nlp-nested-object",
	"medcat-separate-index",
	"gate-nlp-separate-index",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the cross-field rules the pipeline
// depends on, and fills in derived values (date layout, persisted fields).
// Every failure wraps errors.ErrInvalidConfig.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s:%s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
	}

	sink := cfg.Mapping.Sink
	if sink.SameIndexIngest && sink.SplitIndexByField != "" {
		return fmt.Errorf("%w: splitIndexByField cannot be combined with sameIndexIngest", apperrors.ErrInvalidConfig)
	}
	if !sink.SameIndexIngest && cfg.Sink.IndexName == "" {
		return fmt.Errorf("%w: sink.indexName is required unless sameIndexIngest is set", apperrors.ErrInvalidConfig)
	}
	if sink.UseNestedObjects && sink.SplitIndexByField != "" && !sink.SameIndexIngest {
		return fmt.Errorf("%w: splitIndexByField only applies to separate annotation records", apperrors.ErrInvalidConfig)
	}
	if cfg.Mapping.Source.Batch.Incremental {
		if sink.SameIndexIngest {
			return fmt.Errorf("%w: incremental runs need a separate sink", apperrors.ErrInvalidConfig)
		}
		if cfg.Mapping.Source.DocIDField != "_id" {
			return fmt.Errorf("%w: incremental runs match sink records on the store id; set docIdField to _id", apperrors.ErrInvalidConfig)
		}
	}
	if sink.SchemaProfile != "" && !slices.Contains(SchemaProfiles, strings.ToLower(sink.SchemaProfile)) {
		return fmt.Errorf("%w: unknown schemaProfile %q", apperrors.ErrInvalidConfig, sink.SchemaProfile)
	}

	batch := &cfg.Mapping.Source.Batch
	if batch.Layout == "" {
		layout, err := LayoutFromDateFormat(batch.DateFormat)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidConfig, err)
		}
		batch.Layout = layout
	}
	start, err := time.Parse(batch.Layout, batch.DateStart)
	if err != nil {
		return fmt.Errorf("%w: dateStart %q does not match layout %q", apperrors.ErrInvalidConfig, batch.DateStart, batch.Layout)
	}
	end, err := time.Parse(batch.Layout, batch.DateEnd)
	if err != nil {
		return fmt.Errorf("%w: dateEnd %q does not match layout %q", apperrors.ErrInvalidConfig, batch.DateEnd, batch.Layout)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: dateEnd %s is before dateStart %s", apperrors.ErrInvalidConfig, batch.DateEnd, batch.DateStart)
	}

	src := &cfg.Mapping.Source
	if !slices.Contains(src.PersistFields, src.DocIDField) {
		src.PersistFields = append(src.PersistFields, src.DocIDField)
	}
	return nil
}

// javaDateTokens maps the date-format tokens accepted by the store's range
// query to Go reference-time layout elements, longest token first.
var javaDateTokens = []struct{ java, golang string }{
	{"yyyy", "2006"},
	{"yy", "06"},
	{"MM", "01"},
	{"dd", "02"},
	{"HH", "15"},
	{"mm", "04"},
	{"ss", "05"},
	{"SSS", "000"},
}

// LayoutFromDateFormat converts a store date format such as "yyyy-MM-dd" into
// a Go time layout. Formats with unsupported letters are rejected.
func LayoutFromDateFormat(format string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, tok := range javaDateTokens {
			if strings.HasPrefix(format[i:], tok.java) {
				b.WriteString(tok.golang)
				i += len(tok.java)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		c := format[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return "", fmt.Errorf("unsupported date format token %q in %q; set batch.layout explicitly", c, format)
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), nil
}
