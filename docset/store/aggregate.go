package store

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/types"
)

// runPipeline executes the aggregation stage subset the query layer
// emits: $match, $sort, $skip, $limit and $group with $sum/$avg
// accumulators. Stages run in pipeline order over in-memory copies.
func runPipeline(docs []bson.M, pipeline []bson.M) ([]bson.M, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("aggregation stage must hold exactly one operator, got %d", len(stage))
		}
		for op, spec := range stage {
			var err error
			docs, err = runStage(docs, op, spec)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", op, err)
			}
		}
	}
	return docs, nil
}

func runStage(docs []bson.M, op string, spec interface{}) ([]bson.M, error) {
	switch op {
	case "$match":
		filter, ok := asFilterDoc(spec)
		if !ok {
			return nil, fmt.Errorf("expects a filter document, got %T", spec)
		}
		var out []bson.M
		for _, doc := range docs {
			matched, err := matchDocument(doc, filter)
			if err != nil {
				return nil, err
			}
			if matched {
				out = append(out, doc)
			}
		}
		return out, nil
	case "$sort":
		sortSpec, ok := asFilterDoc(spec)
		if !ok {
			return nil, fmt.Errorf("expects a sort document, got %T", spec)
		}
		clauses := make([]types.OrderClause, 0, len(sortSpec))
		for field, dir := range sortSpec {
			direction, ok := asFloat(dir)
			if !ok {
				return nil, fmt.Errorf("direction for %q must be numeric, got %T", field, dir)
			}
			clauses = append(clauses, types.OrderClause{Field: field, Descending: direction < 0})
		}
		sortDocs(docs, clauses)
		return docs, nil
	case "$skip":
		n, ok := asFloat(spec)
		if !ok {
			return nil, fmt.Errorf("expects a numeric count, got %T", spec)
		}
		skip := int64(n)
		return paginate(docs, &skip, nil), nil
	case "$limit":
		n, ok := asFloat(spec)
		if !ok {
			return nil, fmt.Errorf("expects a numeric count, got %T", spec)
		}
		limit := int64(n)
		return paginate(docs, nil, &limit), nil
	case "$group":
		groupSpec, ok := asFilterDoc(spec)
		if !ok {
			return nil, fmt.Errorf("expects a group document, got %T", spec)
		}
		return runGroup(docs, groupSpec)
	}
	return nil, fmt.Errorf("unsupported stage")
}

// runGroup buckets documents by the _id expression and folds the
// remaining keys as accumulators. Bucket order follows first
// appearance, which keeps single-bucket aggregations deterministic.
func runGroup(docs []bson.M, spec bson.M) ([]bson.M, error) {
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("$group requires an _id expression")
	}

	type bucket struct {
		key    interface{}
		sums   map[string]float64
		counts map[string]int64
	}
	var order []*bucket
	find := func(key interface{}) *bucket {
		for _, b := range order {
			if valuesEqual(b.key, key) {
				return b
			}
		}
		b := &bucket{key: key, sums: map[string]float64{}, counts: map[string]int64{}}
		order = append(order, b)
		return b
	}

	for _, doc := range docs {
		key, err := evalExpression(doc, idExpr)
		if err != nil {
			return nil, err
		}
		b := find(key)
		for field, accSpec := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := asFilterDoc(accSpec)
			if !ok || len(acc) != 1 {
				return nil, fmt.Errorf("accumulator for %q must be a single-operator document", field)
			}
			for op, operand := range acc {
				if op != "$sum" && op != "$avg" {
					return nil, fmt.Errorf("unsupported accumulator %q", op)
				}
				value, err := evalExpression(doc, operand)
				if err != nil {
					return nil, err
				}
				// Non-numeric and missing values are skipped, matching
				// server accumulator behavior.
				if n, ok := asFloat(value); ok {
					b.sums[field] += n
					b.counts[field]++
				}
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, b := range order {
		row := bson.M{"_id": b.key}
		for field, accSpec := range spec {
			if field == "_id" {
				continue
			}
			acc, _ := asFilterDoc(accSpec)
			for op := range acc {
				switch op {
				case "$sum":
					row[field] = b.sums[field]
				case "$avg":
					if b.counts[field] == 0 {
						row[field] = nil
					} else {
						row[field] = b.sums[field] / float64(b.counts[field])
					}
				}
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// evalExpression resolves the expression forms accumulators use: a
// "$field" path reference (missing path yields nil) or a constant.
func evalExpression(doc bson.M, expr interface{}) (interface{}, error) {
	if path, ok := expr.(string); ok && strings.HasPrefix(path, "$") {
		value, exists := resolvePath(doc, strings.TrimPrefix(path, "$"))
		if !exists {
			return nil, nil
		}
		return value, nil
	}
	return expr, nil
}
