// Command gates_default_check proves the gate defaults fail closed: a
// missing gates.yaml yields the stock grants, safe mode refuses
// everything, network stays shut without an allowlist, and a bad hot
// reload keeps the previous grants live.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Narth/Calyx-sub001/internal/autonomy"
)

func main() {
	gates, err := autonomy.Load(filepath.Join("/tmp", "calyx-missing-gates.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	refused := func(name string, err error) {
		fmt.Printf("%s_refused=%v\n", name, err != nil)
		if err == nil {
			ok = false
		}
	}
	allowed := func(name string, err error) {
		fmt.Printf("%s_allowed=%v\n", name, err == nil)
		if err != nil {
			ok = false
		}
	}

	safe := autonomy.NewLiveGates(gates, autonomy.ModeSafe)
	refused("safe_lease_execute", safe.AllowCapability(autonomy.CapLeaseExecute))
	refused("safe_svf_send", safe.AllowCapability(autonomy.CapSVFSend))
	refused("safe_http", safe.AllowHTTPURL("https://example.com/"))

	supervised := autonomy.NewLiveGates(gates, autonomy.ModeSupervised)
	allowed("supervised_svf_send", supervised.AllowCapability(autonomy.CapSVFSend))
	refused("supervised_exec_host", supervised.AllowCapability(autonomy.CapExecHost))
	// No allow_domains in the defaults, so even autonomous mode has no
	// network until the operator opens it.
	autonomous := autonomy.NewLiveGates(gates, autonomy.ModeAutonomous)
	refused("autonomous_http_unlisted", autonomous.AllowHTTPURL("https://example.com/"))

	dir, err := os.MkdirTemp("", "calyx-gates-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	gatesPath := filepath.Join(dir, "gates.yaml")
	valid := "modes:\n  supervised:\n    capabilities:\n      - svf.send\nallow_domains:\n  - api.weather.com\n"
	if err := os.WriteFile(gatesPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := autonomy.Load(gatesPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := autonomy.NewLiveGates(initial, autonomy.ModeSupervised)

	invalid := "modes:\n  supervised:\n    capabilities:\n      - svf.send\n      - svf.teleport\n"
	if err := os.WriteFile(gatesPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := live.ReloadFromFile(gatesPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	// The failed reload must not have touched the live grants.
	allowed("retained_svf_send", live.AllowCapability(autonomy.CapSVFSend))
	refused("retained_exec_host", live.AllowCapability(autonomy.CapExecHost))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
