package db

import (
	"database/sql"
)

type ClaimOutcome struct {
	ID          int64
	RunID       string
	ItemUrl     string
	ResolvedUrl string
	RewardID    int64
	Outcome     string
	Reason      string
	CreatedAt   int64
}

type Run struct {
	ID         string
	Mode       string
	StartedAt  int64
	FinishedAt sql.NullInt64
}

type Sale struct {
	ID           int64
	Url          string
	Title        string
	StartAt      sql.NullInt64
	EndAt        sql.NullInt64
	FirstSeenRun string
}

type SaleMember struct {
	SaleID   int64
	Position int64
	ItemUrl  string
}
