package api

// setupRoutes registers the full REST and WebSocket surface.
func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/ws/stream/:symbol", s.handleStream)

	market := s.router.Group("/market")
	{
		market.GET("/history", s.handleMarketHistory)
		market.GET("/symbols", s.handleMarketSymbols)
	}

	s.router.GET("/settings", s.handleGetSettings)
	s.router.POST("/settings", s.handleUpdateSettings)

	trades := s.router.Group("/trades")
	{
		trades.GET("/history", s.handleTradeHistory)
		trades.GET("/performance", s.handleTradePerformance)
		trades.GET("/portfolio", s.handlePortfolio)
		trades.POST("/close/:id", s.handleClosePosition)
		trades.POST("/reset", s.handleResetAccount)
	}

	signals := s.router.Group("/signals")
	{
		signals.GET("/history", s.handleSignalHistory)
		signals.GET("/pending", s.handlePendingSignals)
		signals.GET("/export", s.handleExportSignals)
		signals.GET("/order/:order_id", s.handleSignalByOrder)
		signals.GET("/:id", s.handleGetSignal)
		signals.POST("/:id/execute", s.handleExecuteSignal)
		signals.POST("/:id/mark-pending", s.handleMarkSignalPending)
		signals.POST("/:id/expire", s.handleExpireSignal)
		signals.POST("/expire-stale", s.handleExpireStaleSignals)
	}

	system := s.router.Group("/system")
	{
		system.GET("/status", s.handleSystemStatus)
		system.POST("/halt/:symbol", s.handleHaltSymbol)
		system.POST("/resume/:symbol", s.handleResumeSymbol)
	}
}
