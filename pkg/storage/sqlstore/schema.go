package sqlstore

import (
	"strings"

	"github.com/LENAX/asset-flow/pkg/storage"
)

type migration struct {
	version    int
	statements []string
}

// migrations 返回按版本排序的迁移，列类型由方言决定
func migrations(d storage.Dialect) []migration {
	r := strings.NewReplacer(
		"{key}", d.KeyType(),
		"{bool}", d.BooleanType(),
		"{text}", d.TextType(),
		"{ts}", d.TimestampType(),
		"{bigint}", d.BigIntType(),
	)
	ddl := func(stmts ...string) []string {
		out := make([]string, len(stmts))
		for i, s := range stmts {
			out[i] = r.Replace(s)
		}
		return out
	}

	return []migration{
		{version: 1, statements: ddl(
			`CREATE TABLE IF NOT EXISTS workflow_instance (
				id {key} PRIMARY KEY,
				workflow_type VARCHAR(128) NOT NULL,
				status VARCHAR(32) NOT NULL,
				initiator VARCHAR(255) NOT NULL,
				start_time {ts} NOT NULL,
				end_time {ts} NULL,
				updated_at {ts} NOT NULL,
				configuration {text} NOT NULL,
				current_step INTEGER NOT NULL,
				total_steps INTEGER NOT NULL,
				error_message {text} NOT NULL,
				compensation_data {text} NULL,
				compensation_state VARCHAR(32) NOT NULL,
				cancel_requested {bool} NOT NULL,
				cancel_reason {text} NOT NULL,
				archived {bool} NOT NULL,
				version {bigint} NOT NULL
			)`,
			`CREATE INDEX idx_workflow_instance_status ON workflow_instance (status)`,
			`CREATE INDEX idx_workflow_instance_type ON workflow_instance (workflow_type)`,
			`CREATE TABLE IF NOT EXISTS workflow_step (
				id {key} PRIMARY KEY,
				instance_id {key} NOT NULL,
				name VARCHAR(128) NOT NULL,
				kind VARCHAR(64) NOT NULL,
				step_order INTEGER NOT NULL,
				status VARCHAR(32) NOT NULL,
				start_time {ts} NULL,
				end_time {ts} NULL,
				input {text} NOT NULL,
				output {text} NOT NULL,
				error_message {text} NOT NULL,
				compensation {text} NULL,
				executor VARCHAR(255) NOT NULL,
				attempts INTEGER NOT NULL,
				version {bigint} NOT NULL,
				FOREIGN KEY (instance_id) REFERENCES workflow_instance(id)
			)`,
			`CREATE UNIQUE INDEX idx_workflow_step_order ON workflow_step (instance_id, step_order)`,
			`CREATE TABLE IF NOT EXISTS workflow_event (
				id {key} PRIMARY KEY,
				seq {bigint} NOT NULL,
				instance_id {key} NULL,
				event_type VARCHAR(64) NOT NULL,
				payload {text} NOT NULL,
				occurred_at {ts} NOT NULL,
				actor VARCHAR(255) NOT NULL,
				step_name VARCHAR(128) NOT NULL,
				processed {bool} NOT NULL,
				processed_at {ts} NULL,
				processing_result {text} NOT NULL
			)`,
			`CREATE UNIQUE INDEX idx_workflow_event_seq ON workflow_event (instance_id, seq)`,
			`CREATE INDEX idx_workflow_event_type ON workflow_event (event_type)`,
		)},
		{version: 2, statements: ddl(
			`CREATE TABLE IF NOT EXISTS automation_rule (
				id {key} PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description {text} NOT NULL,
				active {bool} NOT NULL,
				trigger_type VARCHAR(64) NOT NULL,
				trigger_text VARCHAR(255) NOT NULL,
				schedule VARCHAR(128) NOT NULL,
				conditions {text} NULL,
				actions {text} NOT NULL,
				created_by VARCHAR(255) NOT NULL,
				created_at {ts} NOT NULL,
				updated_at {ts} NOT NULL,
				execution_count {bigint} NOT NULL,
				failure_count {bigint} NOT NULL,
				last_executed_at {ts} NULL,
				last_outcome {text} NOT NULL,
				priority INTEGER NOT NULL,
				category VARCHAR(128) NOT NULL,
				requires_approval {bool} NOT NULL,
				version {bigint} NOT NULL
			)`,
			`CREATE UNIQUE INDEX idx_automation_rule_name ON automation_rule (name)`,
			`CREATE INDEX idx_automation_rule_trigger ON automation_rule (trigger_type, active)`,
			`CREATE TABLE IF NOT EXISTS automation_log (
				id {key} PRIMARY KEY,
				rule_id {key} NOT NULL,
				event_id VARCHAR(64) NOT NULL,
				executed_at {ts} NOT NULL,
				success {bool} NOT NULL,
				error_message {text} NOT NULL,
				executed_by VARCHAR(255) NOT NULL,
				action_taken VARCHAR(255) NOT NULL,
				detail {text} NOT NULL
			)`,
			`CREATE INDEX idx_automation_log_rule ON automation_log (rule_id)`,
			`CREATE TABLE IF NOT EXISTS approval (
				id {key} PRIMARY KEY,
				source VARCHAR(32) NOT NULL,
				rule_id VARCHAR(64) NOT NULL,
				event_id VARCHAR(64) NOT NULL,
				instance_id VARCHAR(64) NOT NULL,
				step_name VARCHAR(128) NOT NULL,
				actions {text} NOT NULL,
				payload {text} NOT NULL,
				status VARCHAR(32) NOT NULL,
				requested_at {ts} NOT NULL,
				decided_at {ts} NULL,
				decided_by VARCHAR(255) NOT NULL,
				comment {text} NOT NULL
			)`,
			`CREATE INDEX idx_approval_status ON approval (status)`,
		)},
		{version: 3, statements: ddl(
			`CREATE TABLE IF NOT EXISTS notification (
				id {key} PRIMARY KEY,
				recipient VARCHAR(255) NOT NULL,
				channel VARCHAR(32) NOT NULL,
				subject {text} NOT NULL,
				body {text} NOT NULL,
				data {text} NOT NULL,
				entity_type VARCHAR(64) NOT NULL,
				entity_id VARCHAR(64) NOT NULL,
				event_id VARCHAR(64) NOT NULL,
				priority VARCHAR(16) NOT NULL,
				status VARCHAR(16) NOT NULL,
				attempts INTEGER NOT NULL,
				last_error {text} NOT NULL,
				transient {bool} NOT NULL,
				replay_of VARCHAR(64) NOT NULL,
				created_at {ts} NOT NULL,
				sent_at {ts} NULL,
				delivered_at {ts} NULL,
				read_at {ts} NULL,
				failed_at {ts} NULL
			)`,
			`CREATE INDEX idx_notification_status ON notification (status)`,
			`CREATE INDEX idx_notification_recipient ON notification (recipient)`,
			`CREATE TABLE IF NOT EXISTS event_subscription (
				id {key} PRIMARY KEY,
				event_type VARCHAR(64) NOT NULL,
				workflow_type VARCHAR(128) NOT NULL,
				filter {text} NOT NULL,
				recipients {text} NOT NULL,
				notify_initiator {bool} NOT NULL,
				channel VARCHAR(32) NOT NULL,
				subject_template {text} NOT NULL,
				body_template {text} NOT NULL,
				priority VARCHAR(16) NOT NULL,
				active {bool} NOT NULL,
				created_at {ts} NOT NULL
			)`,
			`CREATE INDEX idx_event_subscription_type ON event_subscription (event_type)`,
		)},
	}
}
