package domain_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ramiqadoumi/go-model-relay/internal/domain"
)

func defaultTable() *domain.RoutingTable {
	return domain.NewRoutingTable(domain.DefaultRoutingRules(), "")
}

func TestRoutingTable_FamilyFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gemini-2.5-flash", "gemini"},
		{"GEMINI-PRO", "gemini"},
		{"deepseek-r1", "deepseek"},
		{"qwen-7b", "qwen"},
		{"stable-diffusion-xl", "sd"},
		{"sdxl-turbo", "sd"},
	}
	table := defaultTable()
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := table.FamilyFor(tt.model)
			if err != nil {
				t.Fatalf("FamilyFor(%q): %v", tt.model, err)
			}
			if got != tt.want {
				t.Errorf("FamilyFor(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestRoutingTable_Unmatched(t *testing.T) {
	_, err := defaultTable().FamilyFor("llama-3")
	var unroutable *domain.UnroutableModelError
	if !errors.As(err, &unroutable) {
		t.Fatalf("want UnroutableModelError, got %v", err)
	}
}

func TestRoutingTable_DefaultFamily(t *testing.T) {
	table := domain.NewRoutingTable(domain.DefaultRoutingRules(), "gemini")
	got, err := table.FamilyFor("llama-3")
	if err != nil {
		t.Fatalf("FamilyFor with default: %v", err)
	}
	if got != "gemini" {
		t.Errorf("default family = %q, want gemini", got)
	}
}

func TestRoutingTable_FirstMatchWins(t *testing.T) {
	table := domain.NewRoutingTable([]domain.RoutingRule{
		{Contains: "x", Family: "first"},
		{Contains: "xy", Family: "second"},
	}, "")
	got, _ := table.FamilyFor("xyz")
	if got != "first" {
		t.Errorf("rule order not respected: got %q", got)
	}
}

func TestSplitModels(t *testing.T) {
	got := domain.SplitModels("gemini-x, deepseek-r1 ,, qwen-7b")
	want := []string{"gemini-x", "deepseek-r1", "qwen-7b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitModels = %v, want %v", got, want)
	}
}
