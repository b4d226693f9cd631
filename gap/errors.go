package gap

import (
	"database/sql"

	"github.com/pkg/errors"
)

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
