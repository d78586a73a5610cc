package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// loadHCLConfig reads an HCL file made of top-level attribute assignments,
// e.g.
//
//	listen-address = "127.0.0.1:3128"
//	resolver = {
//	  pac-url = "http://wpad.corp/proxy.pac"
//	}
//
// Every attribute is evaluated without variables and converted to the same
// generic map the JSON loader produces.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := absPath(configPath)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}

	file, diags := hclsyntax.ParseConfig(src, cleanPath, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, valDiags := attr.Expr.Value(nil)
		if valDiags.HasErrors() {
			return fmt.Errorf("failed to evaluate %s: %s", name, valDiags.Error())
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = goVal
	}

	return applyConfigMap(data, cfg)
}

// ctyToGo converts a cty value into the shapes encoding/json produces
// (map[string]any, []any, float64, string, bool, nil).
func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
