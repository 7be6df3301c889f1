package nlp

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/errors"
)

// Payload is one successful endpoint answer awaiting normalisation.
type Payload struct {
	Endpoint string
	Body     map[string]any
}

// Normalize resolves the shape of each payload and merges them into one
// Response. Scalar top-level fields keep the first value seen; object-valued
// fields are shallow-merged with later payloads winning. A structured
// payload's entity map replaces the one before it, since every endpoint
// numbers its entities from zero. Flat entities are numbered across all
// payloads in arrival order and unioned.
func Normalize(payloads []Payload, text string, capturedAt time.Time) (Response, error) {
	out := Response{Entities: make(Entities), Fields: make(map[string]any)}
	next := 0
	for _, p := range payloads {
		shape := classify(p.Body)
		var ents Entities
		switch shape {
		case ShapeStructured:
			ents = structuredEntities(p.Body)
		case ShapeFlat:
			ents = flattenEntities(p.Body, p.Endpoint, text, capturedAt, &next)
		}
		if shape != ShapeNone {
			if out.Shape != ShapeNone && out.Shape != shape {
				return Response{}, fmt.Errorf("%w: endpoints answered with both %s and %s payloads",
					apperrors.ErrAnnotationUnavailable, out.Shape, shape)
			}
			out.Shape = shape
		}
		switch shape {
		case ShapeStructured:
			if ents == nil {
				ents = make(Entities)
			}
			out.Entities = ents
		case ShapeFlat:
			maps.Copy(out.Entities, ents)
		}
		mergeFields(out.Fields, p.Body)
	}
	return out, nil
}

func classify(body map[string]any) Shape {
	if _, ok := body["result"]; ok {
		return ShapeStructured
	}
	if ents, ok := body["entities"].(map[string]any); ok && ents != nil {
		return ShapeFlat
	}
	return ShapeNone
}

// structuredEntities reads result.annotations.entities. The result may
// arrive JSON-encoded as a string. A sibling medcat_info object is merged
// into every entity along with the result timestamp.
func structuredEntities(body map[string]any) Entities {
	result, ok := asObject(body["result"])
	if !ok {
		return nil
	}
	body["result"] = result
	annotations, ok := result["annotations"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := annotations["entities"].(map[string]any)
	if !ok {
		return nil
	}
	info, hasInfo := body["medcat_info"].(map[string]any)
	ents := make(Entities, len(raw))
	for key, v := range raw {
		ent, ok := v.(map[string]any)
		if !ok {
			continue
		}
		merged := make(Entity, len(ent)+len(info)+1)
		maps.Copy(merged, ent)
		if hasInfo {
			maps.Copy(merged, info)
			if ts, ok := result["timestamp"]; ok {
				merged["timestamp"] = ts
			}
		}
		ents[key] = merged
	}
	return ents
}

// flattenEntities turns {type: [entity, ...]} into index-keyed entities,
// tagging each with its type, a sequential id, the answering endpoint, the
// capture time and the text it covers.
func flattenEntities(body map[string]any, endpoint, text string, capturedAt time.Time, next *int) Entities {
	grouped, _ := body["entities"].(map[string]any)
	runes := []rune(text)
	ents := make(Entities)
	for _, entityType := range sortedKeys(grouped) {
		list, ok := grouped[entityType].([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			ent, ok := v.(map[string]any)
			if !ok {
				continue
			}
			flat := make(Entity, len(ent)+5)
			maps.Copy(flat, ent)
			flat["type"] = entityType
			flat["id"] = *next
			flat["pipeline_url"] = endpoint
			flat["timestamp"] = capturedAt.UTC().Format(time.RFC3339)
			flat["source_value"] = sourceValue(runes, ent["indices"])
			ents[strconv.Itoa(*next)] = flat
			*next++
		}
	}
	return ents
}

// sourceValue slices runes by a [start, end] pair, clamped to the text.
func sourceValue(runes []rune, indices any) string {
	pair, ok := indices.([]any)
	if !ok || len(pair) < 2 {
		return ""
	}
	start, ok1 := toInt(pair[0])
	end, ok2 := toInt(pair[1])
	if !ok1 || !ok2 {
		return ""
	}
	start = min(max(start, 0), len(runes))
	end = min(max(end, start), len(runes))
	return string(runes[start:end])
}

// mergeFields folds src's top-level fields into dst.
func mergeFields(dst, src map[string]any) {
	for k, v := range src {
		if k == "pipeline_url" || k == "entities" || k == "result" {
			continue
		}
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		prev, prevIsMap := existing.(map[string]any)
		next, nextIsMap := v.(map[string]any)
		if prevIsMap && nextIsMap {
			merged := maps.Clone(prev)
			maps.Copy(merged, next)
			dst[k] = merged
		}
	}
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		var m map[string]any
		if err := decodeJSON([]byte(t), &m); err != nil {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
