package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"risk-gate-go/config"
	"risk-gate-go/internal/store"
)

// auditlog 只读打印持久化的 kill switch / 熔断审计记录
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	component := flag.String("component", "", "只显示指定组件（kill_switch, circuit_breaker）")
	since := flag.Duration("since", 0, "只显示最近一段时间内的记录，例如 24h")
	asJSON := flag.Bool("json", false, "以 JSON 行输出")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	st, err := store.Open(cfg.Storage)
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer st.Close()

	entries, err := st.LoadAudit()
	if err != nil {
		log.Fatalf("读取审计记录失败: %v", err)
	}

	var cutoff time.Time
	if *since > 0 {
		cutoff = time.Now().Add(-*since)
	}
	enc := json.NewEncoder(os.Stdout)
	shown := 0
	for _, e := range entries {
		if *component != "" && !strings.EqualFold(e.Component, *component) {
			continue
		}
		if !cutoff.IsZero() && e.At.Before(cutoff) {
			continue
		}
		shown++
		if *asJSON {
			_ = enc.Encode(e)
			continue
		}
		fmt.Printf("%6d %s %-16s %-10s %-18s %-8s by=%s reason=%q\n",
			e.Seq, e.At.UTC().Format(time.RFC3339), e.Component, e.Action, e.Scope, e.Outcome, e.Principal, e.Reason)
	}
	if !*asJSON {
		fmt.Printf("%d/%d entries\n", shown, len(entries))
	}
}
