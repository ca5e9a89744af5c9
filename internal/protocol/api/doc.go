// Package api holds the JSON bodies of the relay HTTP surface shared by the
// client and the server. Every response is wrapped in Response:
// {"success": true, "data": ...} or {"success": false, "error": {...}}.
package api
