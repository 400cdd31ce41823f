package domain

// DefaultTasksPerGroup caps the tasks returned per group when no setting exists.
const DefaultTasksPerGroup = 0

// Settings represents user configurable board view options. A TasksPerGroup
// of zero means no cap.
type Settings struct {
	TasksPerGroup int  `json:"tasksPerGroup"`
	ShowDoneTasks bool `json:"displayDoneTasks"`
}

// DefaultSettings is used until the user saves their own.
func DefaultSettings() Settings {
	return Settings{TasksPerGroup: DefaultTasksPerGroup, ShowDoneTasks: true}
}
