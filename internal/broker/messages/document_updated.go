package messages

// DocumentUpdated — сообщение снапшот-стрима: бэкенд публикует полный
// документ после каждой записи в orders/errands. Поля намеренно сырые
// (map[string]any): нормализация типов — забота applySnapshot.
type DocumentUpdated struct {
	SubjectID   string         `json:"subject_id"`
	SubjectKind string         `json:"subject_kind"` // "order" | "errand"
	Deleted     bool           `json:"deleted,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}
