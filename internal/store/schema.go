package store

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initConversationSchema(); err != nil {
		return err
	}
	if err := s.initRegistrySchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initTaskSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		prompt TEXT NOT NULL,
		model TEXT DEFAULT '',
		model_params TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER DEFAULT 0,
		queue_order INTEGER NOT NULL,
		queued_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		archived_at TIMESTAMP,
		prompt_injected_at TIMESTAMP,
		inherit_context INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT DEFAULT '',
		thread_id TEXT DEFAULT '',
		result TEXT DEFAULT '',
		last_error TEXT DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_at TIMESTAMP NOT NULL,
		created_by TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS plan_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		UNIQUE(task_id, step_number)
	);

	CREATE TABLE IF NOT EXISTS task_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		plan_step_id INTEGER,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		model_used TEXT DEFAULT '',
		token_count INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (plan_step_id) REFERENCES plan_steps(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS task_contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		context_type TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initConversationSchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		task_id TEXT DEFAULT '',
		title TEXT DEFAULT '',
		total_tokens INTEGER DEFAULT 0,
		last_model TEXT DEFAULT '',
		model_response_ids TEXT DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		task_id TEXT DEFAULT '',
		plan_step_id INTEGER,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		model_id TEXT DEFAULT '',
		token_count INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initRegistrySchema() error {
	_, err := s.w.Exec(`
	CREATE TABLE IF NOT EXISTS model_configs (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		provider TEXT NOT NULL,
		is_enabled INTEGER NOT NULL DEFAULT 1,
		is_default INTEGER NOT NULL DEFAULT 0,
		config_json TEXT DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL UNIQUE,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		width INTEGER DEFAULT 0,
		height INTEGER DEFAULT 0,
		filename TEXT DEFAULT '',
		storage_key TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'image',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_attachments (
		task_id TEXT NOT NULL,
		attachment_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, attachment_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (attachment_id) REFERENCES attachments(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.w.Exec(`
	CREATE INDEX IF NOT EXISTS idx_tasks_status_queue_order ON tasks(status, queue_order);
	CREATE INDEX IF NOT EXISTS idx_plan_steps_task_id ON plan_steps(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_messages_task_id ON task_messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_contexts_task_id ON task_contexts(task_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_created ON conversation_messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_attachments_sha256 ON attachments(sha256);
	`)
	return err
}
