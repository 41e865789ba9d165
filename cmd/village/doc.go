// Command village runs the village fleet command hub and its device agents.
//
// A hub serves a shared JSON tree over HTTP; agents register their device,
// watch the tree for commands addressed to them, execute them and write the
// output back for the asking side to collect.
//
// Install:
//
//	go install github.com/ThomasVuNguyen/village/cmd/village@latest
//
// Usage:
//
//	village serve --listen :8787 --credentials ./credentials.json
//	village agent --strategy stream
//	village ask --to auto uptime
package main
