package rpc

// registerAllMethods binds every method name clients can call. Handlers live
// in the *_methods.go files next to the requests they serve.
func (s *Server) registerAllMethods() {
	s.registry.MustRegister("write_submit", s.handleWriteSubmit)
	s.registry.MustRegister("journal_status", s.handleJournalStatus)

	s.registry.MustRegister("entity_get", s.handleEntityGet)
	s.registry.MustRegister("entity_find", s.handleEntityFind)
	s.registry.MustRegister("replay_entity", s.handleReplayEntity)

	s.registry.MustRegister("ledger_history", s.handleLedgerHistory)
	s.registry.MustRegister("ledger_verify", s.handleLedgerVerify)
	s.registry.MustRegister("ledger_repair", s.handleLedgerRepair)

	s.registry.MustRegister("anchor_list", s.handleAnchorList)
	s.registry.MustRegister("anchor_prove", s.handleAnchorProve)

	s.registry.MustRegister("server_info", s.handleServerInfo)
}
