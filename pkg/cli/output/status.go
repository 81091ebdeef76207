package output

import "strings"

// Status 带图标的状态文本，实例、步骤、审批与通知状态共用
func Status(status string) string {
	switch strings.ToLower(status) {
	case "completed", "delivered", "read", "approved":
		return "✅ " + status
	case "failed", "rejected":
		return "❌ " + status
	case "running", "sent":
		return "🔄 " + status
	case "suspended":
		return "⏸️  " + status
	case "pending":
		return "⏳ " + status
	case "cancelled", "skipped":
		return "🛑 " + status
	default:
		return status
	}
}
