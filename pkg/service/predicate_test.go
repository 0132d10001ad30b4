package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/service"
)

func TestDefaultEvaluator(t *testing.T) {
	eval := service.DefaultEvaluator()
	ctx := models.Payload{
		"flag":  true,
		"off":   false,
		"count": 3,
		"ratio": 0.5,
		"name":  "etl",
		"empty": "",
		"steps": map[string]interface{}{
			"extract": map[string]interface{}{"rows": float64(120)},
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"flag", true},
		{"off", false},
		{"!off", true},
		{"!flag", false},
		{"missing", false},
		{"!missing", true},
		{"count", true},
		{"empty", false},
		{"name", true},
		{"steps.extract.rows", true},
		{"count == 3", true},
		{"count != 3", false},
		{"count > 2", true},
		{"count >= 3", true},
		{"count < 3", false},
		{"count <= 3", true},
		{"ratio > 0.4", true},
		{"steps.extract.rows > 100", true},
		{"steps.extract.rows > 200", false},
		{"name == etl", true},
		{"name == \"etl\"", true},
		{"name != load", true},
		{"missing == anything", false},
		{"missing != anything", true},
	}
	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			got, err := eval.Evaluate(c.expr, ctx)
			assert.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}

	t.Run("EmptyExpressionErrors", func(t *testing.T) {
		_, err := eval.Evaluate("", ctx)
		assert.Error(t, err)
	})

	t.Run("OrderingOnMissingKeyErrors", func(t *testing.T) {
		_, err := eval.Evaluate("missing > 1", ctx)
		assert.Error(t, err)
	})

	t.Run("OrderingOnNonNumericErrors", func(t *testing.T) {
		_, err := eval.Evaluate("name > 1", ctx)
		assert.Error(t, err)
	})
}
