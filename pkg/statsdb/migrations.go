package statsdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INT NOT NULL,
			config TEXT
		);
		CREATE INDEX idx_run_name ON run (name);

		CREATE TABLE epoch_stat(
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			phase TEXT NOT NULL,
			key TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, epoch, phase, key)
		) WITHOUT ROWID;
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE eval_vector(
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			iou_type TEXT NOT NULL,
			stats TEXT NOT NULL,
			PRIMARY KEY (run_id, epoch, iou_type)
		) WITHOUT ROWID;
	`))

	return migs
}
