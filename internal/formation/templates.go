package formation

// universalTools 是所有内置成员共享的工具集合。
func universalTools() []Tool {
	return []Tool{
		{Name: "code_execute", Description: "Execute code in a sandbox", Args: map[string]string{"code": "string"}},
		{Name: "file_read", Description: "Read a project file", Args: map[string]string{"path": "string"}},
		{Name: "file_write", Description: "Write content to a project file", Args: map[string]string{"path": "string", "content": "string"}},
		{Name: "ai_chat", Description: "Query a language model", Args: map[string]string{"message": "string", "model": "string"}},
	}
}

func agent(id, role string, goals ...string) Agent {
	return Agent{ID: id, Role: role, Goals: goals, Tools: universalTools()}
}

// Builtins 返回内置的 formation 模板，每次调用都会新建实例。
func Builtins() []*Formation {
	return []*Formation{
		{
			Name:    "SoloDeveloper",
			Mission: "General single-agent development tasks",
			Agents: []Agent{
				agent("dev_core", "developer", "Implement feature", "Refactor code"),
			},
		},
		{
			Name:    "ResearchTriangle",
			Mission: "Blend review, research and implementation",
			Agents: []Agent{
				agent("reviewer", "alignment_reviewer", "Maintain alignment", "Surface insights"),
				agent("planner", "research_planner", "Decompose tasks", "Plan execution"),
				agent("implementer", "code_implementer", "Write code", "Run tests"),
			},
		},
		{
			Name:    "FullEngineeringSquad",
			Mission: "Ship production-grade features collaboratively",
			Agents: []Agent{
				agent("lead_architect", "architect", "Define architecture", "Ensure cohesion"),
				agent("backend_dev", "backend_engineer", "Implement APIs", "Optimize performance"),
				agent("frontend_dev", "frontend_engineer", "Enhance UI", "Improve UX"),
				agent("qa_agent", "quality_assurance", "Generate tests", "Validate outputs"),
				agent("doc_agent", "documentation", "Update docs", "Summarize changes"),
			},
		},
		{
			Name:    "DevSquad",
			Mission: "Unified model-backed development team",
			Routing: RoutingByRole,
			Agents: []Agent{
				agent("squad_lead", "lead_developer", "Architect solution", "Guide team"),
				agent("squad_backend", "backend_engineer", "Build backend", "Integrate APIs"),
				agent("squad_frontend", "frontend_engineer", "Design UI", "Enhance UX"),
				agent("squad_qa", "quality_assurance", "Test features", "Validate outputs"),
				agent("squad_docs", "documentation", "Document changes", "Summarize work"),
			},
		},
	}
}
