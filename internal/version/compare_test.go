package version

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type CompareTestSuite struct {
	suite.Suite
}

func TestCompareSuite(t *testing.T) {
	suite.Run(t, new(CompareTestSuite))
}

func (suite *CompareTestSuite) TestExactMatch() {
	suite.NoError(CheckProtocolCompatibility("1.2.0", "1.2.0"))
}

func (suite *CompareTestSuite) TestPatchMayDiffer() {
	suite.NoError(CheckProtocolCompatibility("1.2.0", "1.2.5"))
	suite.NoError(CheckProtocolCompatibility("1.2.7", "1.2.0"))
}

func (suite *CompareTestSuite) TestMinorMismatch() {
	suite.Error(CheckProtocolCompatibility("1.3.0", "1.2.0"))
}

func (suite *CompareTestSuite) TestMajorMismatch() {
	suite.Error(CheckProtocolCompatibility("2.0.0", "1.2.0"))
}

func (suite *CompareTestSuite) TestDevBuildSkipsCheck() {
	suite.NoError(CheckProtocolCompatibility("main", "1.2.0"))
	suite.NoError(CheckProtocolCompatibility("1.2.0", "main"))
}

func (suite *CompareTestSuite) TestVPrefixStripped() {
	suite.NoError(CheckProtocolCompatibility("v1.2.0", "1.2.3"))
}

func (suite *CompareTestSuite) TestInvalidVersion() {
	suite.Error(CheckProtocolCompatibility("not-a-version", "1.2.0"))
	suite.Error(CheckProtocolCompatibility("1.2.0", "not-a-version"))
}
