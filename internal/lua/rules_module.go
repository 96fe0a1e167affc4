package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// RuleRunner evaluates a script body against every loaded rule.
type RuleRunner func(ctx context.Context, script string, metadata map[string]interface{}) []string

// RulesModule lets processor scripts call back into the rule engine with
// rules.run(script, metadata), which returns the names of the rules that fired.
type RulesModule struct {
	run RuleRunner
}

func NewRulesModule(run RuleRunner) *RulesModule {
	return &RulesModule{run: run}
}

func (m *RulesModule) Name() string {
	return "rules"
}

func (m *RulesModule) Register(L *lua.LState) error {
	table := L.NewTable()
	L.SetField(table, "run", L.NewFunction(m.runRules))
	L.SetGlobal("rules", table)
	return nil
}

func (m *RulesModule) runRules(L *lua.LState) int {
	script := L.CheckString(1)

	metadata := map[string]interface{}{}
	if tbl, ok := L.Get(2).(*lua.LTable); ok {
		if converted, ok := ToGoValue(tbl).(map[string]interface{}); ok {
			metadata = converted
		}
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fired := L.NewTable()
	if m.run != nil {
		for _, name := range m.run(ctx, script, metadata) {
			fired.Append(lua.LString(name))
		}
	}

	L.Push(fired)
	return 1
}
