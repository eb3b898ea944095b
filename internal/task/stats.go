package task

// FormationStats 聚合了某个 formation 下任务的状态分布。
type FormationStats struct {
	Formation string         `json:"formation"`
	Total     int            `json:"total"`
	ByStatus  map[Status]int `json:"by_status"`
}

func newFormationStats(formation string) FormationStats {
	return FormationStats{Formation: formation, ByStatus: make(map[Status]int)}
}

func (s *FormationStats) add(status Status, count int) {
	s.Total += count
	s.ByStatus[status] += count
}
