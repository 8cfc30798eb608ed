package cdp

import (
	_ "embed"
	"strings"

	"hardaltrack/internal/navigation"
)

// BindingName 注入脚本回传消息使用的 binding
const BindingName = "__hardalBridge"

var (
	//go:embed scripts/state.js
	stateScript string
	//go:embed scripts/entropy.js
	entropyScript string
	//go:embed scripts/observe.js
	observeTemplate string
)

const restoreScript = `window.__hardalRestore && window.__hardalRestore()`

// observeScript 填入 binding 名称与标记属性后的观察脚本
func observeScript() string {
	return strings.NewReplacer(
		"__BINDING__", BindingName,
		"__MARKER__", navigation.MarkerAttr,
	).Replace(observeTemplate)
}
