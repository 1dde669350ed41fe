package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeRadioSuite provides a reusable testify suite with a fake BLE radio
// and peripheral link. Each test gets fresh fakes; a default battery
// service profile is installed unless the test configures its own.
//
// Basic usage:
//
//	type EngineSuite struct {
//	    testutils.FakeRadioSuite
//	}
//
//	func TestEngineSuite(t *testing.T) {
//	    suite.Run(t, new(EngineSuite))
//	}
//
// Custom profile usage:
//
//	func (s *EngineSuite) SetupTest() {
//	    s.FakeRadioSuite.SetupTest()
//	    s.WithProfile().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//	}
type FakeRadioSuite struct {
	suite.Suite

	Logger      *logrus.Logger
	TestTimeout time.Duration

	Radio          *FakeCentral
	Link           *FakePeripheral
	profileBuilder *ProfileBuilder
}

// SetupSuite initializes shared helpers once for all tests.
func (s *FakeRadioSuite) SetupSuite() {
	s.Logger = logrus.New()
	s.Logger.SetLevel(logrus.DebugLevel) // surface engine traces when a test fails
	s.TestTimeout = 5 * time.Second
}

// SetupTest creates fresh fakes before each test.
func (s *FakeRadioSuite) SetupTest() {
	s.Radio = NewFakeCentral()
	s.Link = NewFakePeripheral()
	s.profileBuilder = nil
}

// WithProfile returns the profile builder for fluent configuration,
// replacing the default battery service profile.
func (s *FakeRadioSuite) WithProfile() *ProfileBuilder {
	if s.profileBuilder == nil {
		s.profileBuilder = NewProfileBuilder()
	}
	return s.profileBuilder
}

// BuildProfile materializes the configured profile, falling back to the
// default battery service.
func (s *FakeRadioSuite) BuildProfile() *Profile {
	if s.profileBuilder == nil {
		s.profileBuilder = defaultProfileBuilder(s.T())
	}
	return s.profileBuilder.Build()
}

// defaultProfileBuilder returns a profile with Battery Service (180F)
// and Battery Level characteristic (2A19) at 50%.
func defaultProfileBuilder(_ *testing.T) *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
	{
		"services": [
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
				]
			}
		]
	}`)
}
