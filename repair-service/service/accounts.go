package service

import (
	"context"
	"strings"

	"fadedreams/repairhub/repair-service/auth"
	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel/attribute"
)

type RegisterInput struct {
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Phone         string   `json:"phone"`
	Password      string   `json:"password"`
	PostalCode    string   `json:"postalCode"`
	Services      []string `json:"services,omitempty"`
	PayoutAccount string   `json:"payoutAccount,omitempty"`
}

func (in *RegisterInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.PostalCode = strings.TrimSpace(in.PostalCode)
}

func (in RegisterInput) validate(kind domain.ActorKind) error {
	switch {
	case in.Name == "":
		return domain.ValidationError{Field: "name", Msg: "is required"}
	case !strings.Contains(in.Email, "@"):
		return domain.ValidationError{Field: "email", Msg: "is invalid"}
	case in.Phone == "":
		return domain.ValidationError{Field: "phone", Msg: "is required"}
	case kind == domain.ActorRepairer && in.PostalCode == "":
		return domain.ValidationError{Field: "postalCode", Msg: "is required"}
	case kind == domain.ActorRepairer && len(in.Services) == 0:
		return domain.ValidationError{Field: "services", Msg: "at least one service is required"}
	}
	return nil
}

// Session is a signed token and the actor it stands for.
type Session struct {
	Token string       `json:"token"`
	Actor domain.Actor `json:"actor"`
}

func (s *Service) session(actor domain.Actor) (*Session, error) {
	token, err := s.issuer.Sign(actor)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, Actor: actor}, nil
}

func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRegisterUser")
	defer span.End()

	in.normalize()
	if err := in.validate(domain.ActorUser); err != nil {
		return nil, fail(span, err, "Invalid registration")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fail(span, domain.ValidationError{Field: "password", Msg: err.Error()}, "Invalid password")
	}
	u := &domain.User{
		ID:           domain.NewID(),
		Name:         in.Name,
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: hash,
		PostalCode:   in.PostalCode,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, fail(span, err, "Failed to create user")
	}
	span.SetAttributes(attribute.String("userID", u.ID))
	s.logger.Info("Registered user", "userID", u.ID)
	return u, nil
}

func (s *Service) RegisterRepairer(ctx context.Context, in RegisterInput) (*domain.Repairer, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRegisterRepairer")
	defer span.End()

	in.normalize()
	if err := in.validate(domain.ActorRepairer); err != nil {
		return nil, fail(span, err, "Invalid registration")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fail(span, domain.ValidationError{Field: "password", Msg: err.Error()}, "Invalid password")
	}
	r := &domain.Repairer{
		ID:            domain.NewID(),
		Name:          in.Name,
		Email:         in.Email,
		Phone:         in.Phone,
		PasswordHash:  hash,
		PostalCode:    in.PostalCode,
		Services:      in.Services,
		PayoutAccount: strings.TrimSpace(in.PayoutAccount),
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateRepairer(ctx, r); err != nil {
		return nil, fail(span, err, "Failed to create repairer")
	}
	span.SetAttributes(attribute.String("repairerID", r.ID))
	s.logger.Info("Registered repairer", "repairerID", r.ID, "postalCode", r.PostalCode)
	return r, nil
}

var errInvalidCredentials = domain.AuthorizationError{Msg: "invalid credentials"}

// Login checks an email and password for the given account kind.
func (s *Service) Login(ctx context.Context, kind domain.ActorKind, email, password string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceLogin")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, fail(span, domain.ValidationError{Field: "credentials", Msg: "email and password are required"}, "Invalid login")
	}

	var (
		id   string
		hash string
		err  error
	)
	switch kind {
	case domain.ActorUser:
		var u *domain.User
		if u, err = s.store.FindUserByEmail(ctx, email); err == nil {
			id, hash = u.ID, u.PasswordHash
		}
	case domain.ActorRepairer:
		var r *domain.Repairer
		if r, err = s.store.FindRepairerByEmail(ctx, email); err == nil {
			if r.Banned && auth.CheckPassword(r.PasswordHash, password) {
				return nil, fail(span, forbidden("repairer account is banned"), "Banned repairer")
			}
			id, hash = r.ID, r.PasswordHash
		}
	case domain.ActorAdmin:
		var a *domain.Admin
		if a, err = s.store.FindAdminByEmail(ctx, email); err == nil {
			id, hash = a.ID, a.PasswordHash
		}
	default:
		return nil, fail(span, domain.ValidationError{Field: "kind", Msg: "unknown account kind"}, "Invalid login")
	}
	if domain.IsNotFound(err) {
		return nil, fail(span, errInvalidCredentials, "Unknown account")
	}
	if err != nil {
		return nil, fail(span, err, "Failed to load account")
	}
	if !auth.CheckPassword(hash, password) {
		return nil, fail(span, errInvalidCredentials, "Wrong password")
	}
	s.logger.Info("Login", "kind", kind, "accountID", id)
	return s.session(domain.Actor{Kind: kind, ID: id})
}

func loginKey(kind domain.ActorKind, phone string) string {
	return string(kind) + ":" + phone
}

// accountByPhone resolves the id of a user or repairer with this phone.
func (s *Service) accountByPhone(ctx context.Context, kind domain.ActorKind, phone string) (string, error) {
	switch kind {
	case domain.ActorUser:
		u, err := s.store.FindUserByPhone(ctx, phone)
		if err != nil {
			return "", err
		}
		return u.ID, nil
	case domain.ActorRepairer:
		r, err := s.store.FindRepairerByPhone(ctx, phone)
		if err != nil {
			return "", err
		}
		if r.Banned {
			return "", forbidden("repairer account is banned")
		}
		return r.ID, nil
	}
	return "", domain.ValidationError{Field: "kind", Msg: "otp login is for users and repairers"}
}

// SendLoginOTP issues a login code and texts it. Delivery is synchronous and
// bounded by the SMS timeout. Phones without an active account get the same
// reply and no text.
func (s *Service) SendLoginOTP(ctx context.Context, kind domain.ActorKind, phone string) error {
	ctx, span := s.tracer.Start(ctx, "ServiceSendLoginOTP")
	defer span.End()

	phone = strings.TrimSpace(phone)
	if phone == "" {
		return fail(span, domain.ValidationError{Field: "phone", Msg: "is required"}, "Invalid phone")
	}
	if _, err := s.accountByPhone(ctx, kind, phone); err != nil {
		if domain.IsNotFound(err) || domain.IsAuthorization(err) {
			s.logger.Info("Login otp not sent", "kind", kind, "reason", err)
			return nil
		}
		return fail(span, err, "Unknown account")
	}
	code, err := s.otps.Issue(ctx, domain.OTPLogin, loginKey(kind, phone))
	if err != nil {
		return fail(span, err, "Failed to issue otp")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SMSTimeout)
	defer cancel()
	if err := s.sms.SendOTP(sendCtx, phone, code.Code); err != nil {
		if !domain.IsExternal(err) {
			err = domain.ExternalServiceError{Service: "sms", Err: err}
		}
		s.logger.Error("Failed to send login otp", "kind", kind, "error", err)
		return fail(span, err, "Failed to send otp")
	}
	return nil
}

func (s *Service) VerifyLoginOTP(ctx context.Context, kind domain.ActorKind, phone, code string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceVerifyLoginOTP")
	defer span.End()

	phone = strings.TrimSpace(phone)
	if err := s.otps.Verify(ctx, domain.OTPLogin, loginKey(kind, phone), strings.TrimSpace(code)); err != nil {
		return nil, fail(span, err, "OTP verification failed")
	}
	id, err := s.accountByPhone(ctx, kind, phone)
	if err != nil {
		return nil, fail(span, err, "Unknown account")
	}
	return s.session(domain.Actor{Kind: kind, ID: id})
}

// Profile returns the account behind actor.
func (s *Service) Profile(ctx context.Context, actor domain.Actor) (any, error) {
	switch actor.Kind {
	case domain.ActorUser:
		return s.store.GetUser(ctx, actor.ID)
	case domain.ActorRepairer:
		return s.store.GetRepairer(ctx, actor.ID)
	case domain.ActorAdmin:
		return s.store.GetAdmin(ctx, actor.ID)
	}
	return nil, domain.AuthorizationError{Msg: "missing session"}
}

// UnbanRepairer clears the ban and red flags of a repairer.
func (s *Service) UnbanRepairer(ctx context.Context, actor domain.Actor, repairerID string) (*domain.Repairer, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceUnbanRepairer")
	defer span.End()
	span.SetAttributes(attribute.String("repairerID", repairerID))

	if err := requireKind(actor, domain.ActorAdmin); err != nil {
		return nil, fail(span, err, "Not an admin")
	}
	r, err := s.store.Unban(ctx, repairerID)
	if err != nil {
		return nil, fail(span, err, "Failed to unban repairer")
	}
	s.logger.Info("Repairer unbanned", "repairerID", repairerID, "adminID", actor.ID)
	return r, nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.store.FindAdminByEmail(ctx, email); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.ValidationError{Field: "adminPassword", Msg: err.Error()}
	}
	err = s.store.CreateAdmin(ctx, &domain.Admin{
		ID:           domain.NewID(),
		Name:         "admin",
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	})
	if domain.IsConflict(err) {
		return nil
	}
	return err
}
