/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package servicecontrol

import (
	"time"
)

// CheckRequestInfo is the request-scoped input of a :check call
type CheckRequestInfo struct {
	ServiceName       string
	OperationID       string
	OperationName     string
	ProducerProjectID string
	ServiceConfigID   string
	APIKey            string
	RequestStartTime  time.Time
}

// CheckResponseInfo is the structured outcome of a :check call
type CheckResponseInfo struct {
	IsAPIKeyValid         bool
	ServiceIsActivated    bool
	ConsumerProjectNumber int64
}

// ReportRequestInfo is the input of a :report call, assembled once the
// exchange has completed
type ReportRequestInfo struct {
	ServiceName       string
	OperationID       string
	OperationName     string
	ProducerProjectID string
	ServiceConfigID   string

	// APIKey is empty unless the check marked the key valid and the
	// service activated
	APIKey string

	RequestStartTime time.Time
	RequestEndTime   time.Time

	APIMethod  string
	APIName    string
	APIVersion string
	LogMessage string

	URL          string
	Method       string
	ResponseCode int
	RequestSize  int64
	ResponseSize int64

	// RequestHeaders and ResponseHeaders hold the logged headers as
	// "Name=value;" pairs, empty when none are configured or present
	RequestHeaders  string
	ResponseHeaders string

	CheckResponseInfo CheckResponseInfo

	// Status is the check translation result; nil means OK
	Status error
}
