package configuration

import (
	"github.com/pkg/errors"

	commonconfig "github.com/armadaproject/eventwriter/internal/common/config"
)

func (c EventWriterConfiguration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Connection["file"] == "" {
		return errors.New("storage.connection.file is required for the sqlite driver")
	}
	if c.LoadTest.Mode == "sustained" && (c.LoadTest.SubmitInterval <= 0 || c.LoadTest.Duration <= 0) {
		return errors.New("loadTest.submitInterval and loadTest.duration must be positive in sustained mode")
	}
	return nil
}
