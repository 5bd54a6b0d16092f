package models

import (
	"log"

	"bitbucket.org/mmdatafocus/timeclock_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&User{},
		&JobSite{}, &JobAssignment{},
		&TimeEntry{},
		&IdempotencyRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
